package trees

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// IndexRef is the manifest location, relative to the data origin.
const IndexRef = "districts/index.json"

// District describes one independently fetchable partition of the
// dataset. Immutable once parsed from the manifest.
type District struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Count    int    `json:"count"`
}

// DistrictIndex is the ordered manifest of all partitions. The totals are
// used for progress display only.
type DistrictIndex struct {
	TotalDistricts int        `json:"total_districts"`
	TotalTrees     int        `json:"total_trees"`
	Districts      []District `json:"districts"`
}

// IndexLoadError wraps any transport or parse failure while loading the
// manifest. It is fatal to initialization: without the manifest the map
// has nothing to load.
type IndexLoadError struct {
	Ref string
	Err error
}

func (e *IndexLoadError) Error() string {
	return fmt.Sprintf("failed to load district index %s: %v", e.Ref, e.Err)
}

func (e *IndexLoadError) Unwrap() error { return e.Err }

// Fetcher retrieves one resource by its manifest-relative locator.
// Payloads with a .zst suffix are decompressed transparently.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// HTTPFetcher fetches resources from an HTTP origin.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	url := strings.TrimSuffix(f.BaseURL, "/") + "/" + ref
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return maybeDecompress(ref, data)
}

// DirFetcher reads resources from a local data directory.
type DirFetcher struct {
	Dir string
}

func (f *DirFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, filepath.FromSlash(ref)))
	if err != nil {
		return nil, err
	}
	return maybeDecompress(ref, data)
}

func maybeDecompress(ref string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(ref, ".zst") {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %v", ref, err)
	}
	return out, nil
}

// LoadIndex fetches and parses the district manifest. One-shot, no retry;
// the caller decides whether initialization can proceed without it.
func LoadIndex(ctx context.Context, fetcher Fetcher) (*DistrictIndex, error) {
	data, err := fetcher.Fetch(ctx, IndexRef)
	if err != nil {
		return nil, &IndexLoadError{Ref: IndexRef, Err: err}
	}

	var index DistrictIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, &IndexLoadError{Ref: IndexRef, Err: err}
	}
	return &index, nil
}
