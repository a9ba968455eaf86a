package trees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testIndex(n int) []byte {
	districts := make([]District, n)
	trees := 0
	for i := range districts {
		districts[i] = District{
			Code:     fmt.Sprintf("%02d", i+1),
			Name:     fmt.Sprintf("District %d", i+1),
			Filename: fmt.Sprintf("districts/%02d.json", i+1),
			Count:    10,
		}
		trees += 10
	}
	data, err := json.Marshal(DistrictIndex{
		TotalDistricts: n,
		TotalTrees:     trees,
		Districts:      districts,
	})
	if err != nil {
		panic(err)
	}
	return data
}

// indexedFetcher serves a generated manifest plus identical 10-record
// district files, counting district fetches.
func indexedFetcher(n int, fetches *atomic.Int32) fetchFunc {
	return func(ctx context.Context, ref string) ([]byte, error) {
		if ref == IndexRef {
			return testIndex(n), nil
		}
		if fetches != nil {
			fetches.Add(1)
		}
		return districtJSON(10), nil
	}
}

func TestLoadAllSequentialProgress(t *testing.T) {
	sink := &recordingSink{}
	var progress [][3]int
	orch := NewOrchestrator(indexedFetcher(4, nil), sink, OrchestratorOptions{
		OnProgress: func(loaded, total, percent int) {
			progress = append(progress, [3]int{loaded, total, percent})
		},
	})

	if err := orch.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	if sink.Count() != 40 {
		t.Errorf("Expected 40 markers, got %d", sink.Count())
	}
	expected := [][3]int{{1, 4, 25}, {2, 4, 50}, {3, 4, 75}, {4, 4, 100}}
	if len(progress) != len(expected) {
		t.Fatalf("Expected %d progress reports, got %d", len(expected), len(progress))
	}
	for i, want := range expected {
		if progress[i] != want {
			t.Errorf("Report %d: expected %v, got %v", i, want, progress[i])
		}
	}
	if orch.State().Loading() {
		t.Error("Loading flag should be cleared after traversal")
	}
}

func TestLoadAllReentrancy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var fetches atomic.Int32

	fetch := fetchFunc(func(ctx context.Context, ref string) ([]byte, error) {
		if ref == IndexRef {
			return testIndex(2), nil
		}
		fetches.Add(1)
		once.Do(func() { close(entered) })
		<-release
		return districtJSON(10), nil
	})

	sink := &recordingSink{}
	orch := NewOrchestrator(fetch, sink, OrchestratorOptions{})

	done := make(chan error, 1)
	go func() { done <- orch.LoadAll(context.Background()) }()
	<-entered

	// A trigger during a traversal is dropped, not queued
	if err := orch.LoadAll(context.Background()); err != nil {
		t.Errorf("Re-entrant LoadAll should be a no-op, got %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("Re-entrant call should not fetch, got %d fetches", got)
	}
	if !orch.State().Loading() {
		t.Error("Expected loading flag set during traversal")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Traversal failed: %v", err)
	}
	if orch.State().LoadedCount() != 2 {
		t.Errorf("Expected 2 loaded districts, got %d", orch.State().LoadedCount())
	}
}

func TestLoadAllContinuesPastFailures(t *testing.T) {
	sink := &recordingSink{}
	var progress [][3]int
	fetch := fetchFunc(func(ctx context.Context, ref string) ([]byte, error) {
		if ref == IndexRef {
			return testIndex(3), nil
		}
		if strings.Contains(ref, "02") {
			return nil, errors.New("connection reset")
		}
		return districtJSON(10), nil
	})

	orch := NewOrchestrator(fetch, sink, OrchestratorOptions{
		OnProgress: func(loaded, total, percent int) {
			progress = append(progress, [3]int{loaded, total, percent})
		},
	})

	if err := orch.LoadAll(context.Background()); err != nil {
		t.Fatalf("District failures must not abort the traversal: %v", err)
	}

	if sink.Count() != 20 {
		t.Errorf("Expected 20 markers from the 2 healthy districts, got %d", sink.Count())
	}
	if orch.State().LoadedCount() != 2 {
		t.Errorf("Expected 2 loaded districts, got %d", orch.State().LoadedCount())
	}
	if orch.State().IsLoaded("02") {
		t.Error("Failed district must stay unloaded")
	}
	// Reports stay non-decreasing even when a district fails
	prev := -1
	for _, p := range progress {
		if p[0] < prev {
			t.Errorf("Progress went backwards: %v", progress)
			break
		}
		prev = p[0]
	}
	if orch.State().Loading() {
		t.Error("Loading flag should be cleared after a traversal with failures")
	}
}

func TestLoadAllRetriesFailedDistricts(t *testing.T) {
	var failFirst atomic.Bool
	failFirst.Store(true)
	fetch := fetchFunc(func(ctx context.Context, ref string) ([]byte, error) {
		if ref == IndexRef {
			return testIndex(2), nil
		}
		if strings.Contains(ref, "01") && failFirst.Load() {
			return nil, errors.New("timeout")
		}
		return districtJSON(10), nil
	})

	sink := &recordingSink{}
	orch := NewOrchestrator(fetch, sink, OrchestratorOptions{})

	if err := orch.LoadAll(context.Background()); err != nil {
		t.Fatalf("First traversal failed: %v", err)
	}
	if orch.State().LoadedCount() != 1 {
		t.Fatalf("Expected 1 loaded district after first pass, got %d", orch.State().LoadedCount())
	}

	failFirst.Store(false)
	if err := orch.LoadAll(context.Background()); err != nil {
		t.Fatalf("Second traversal failed: %v", err)
	}
	if orch.State().LoadedCount() != 2 {
		t.Errorf("Expected retry to load the failed district, got %d", orch.State().LoadedCount())
	}
	if sink.Count() != 20 {
		t.Errorf("Expected 20 markers with no duplicates, got %d", sink.Count())
	}
}

func TestLoadAllIndexFailure(t *testing.T) {
	fetch := fetchFunc(func(ctx context.Context, ref string) ([]byte, error) {
		return nil, errors.New("origin unreachable")
	})

	orch := NewOrchestrator(fetch, &recordingSink{}, OrchestratorOptions{})
	err := orch.LoadAll(context.Background())
	if err == nil {
		t.Fatal("Expected error when the manifest cannot be loaded")
	}
	var loadErr *IndexLoadError
	if !errors.As(err, &loadErr) {
		t.Errorf("Expected *IndexLoadError, got %T", err)
	}
	if orch.State().Loading() {
		t.Error("Loading flag should be cleared after an index failure")
	}
}

func TestSeedLoadedSkipsDistricts(t *testing.T) {
	var fetches atomic.Int32
	sink := &recordingSink{}
	orch := NewOrchestrator(indexedFetcher(3, &fetches), sink, OrchestratorOptions{})
	orch.SeedLoaded([]string{"01", "03"})

	if err := orch.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("Expected 1 district fetch with 2 seeded, got %d", got)
	}
	if sink.Count() != 10 {
		t.Errorf("Expected 10 markers, got %d", sink.Count())
	}
}

func TestPoolStrategy(t *testing.T) {
	var fetches atomic.Int32
	sink := &recordingSink{}
	orch := NewOrchestrator(indexedFetcher(6, &fetches), sink, OrchestratorOptions{
		Strategy: Pool{Workers: 3},
	})

	if err := orch.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if sink.Count() != 60 {
		t.Errorf("Expected 60 markers, got %d", sink.Count())
	}
	if orch.State().LoadedCount() != 6 {
		t.Errorf("Expected 6 loaded districts, got %d", orch.State().LoadedCount())
	}
	if got := fetches.Load(); got != 6 {
		t.Errorf("Expected each district fetched once, got %d", got)
	}
}

func TestSequentialStrategyHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loads := 0
	Sequential{}.Run(ctx, []District{{Code: "01"}, {Code: "02"}, {Code: "03"}},
		func(ctx context.Context, d District) {
			loads++
			cancel()
		})
	if loads != 1 {
		t.Errorf("Expected cancellation to stop the walk after 1 district, got %d", loads)
	}
}

func TestProgressBeforeManifest(t *testing.T) {
	orch := NewOrchestrator(indexedFetcher(4, nil), &recordingSink{}, OrchestratorOptions{})
	loaded, total, percent := orch.Progress()
	if loaded != 0 || total != 0 || percent != 0 {
		t.Errorf("Expected zero progress before manifest fetch, got %d/%d (%d%%)", loaded, total, percent)
	}

	if _, err := orch.Index(context.Background()); err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	_, total, _ = orch.Progress()
	if total != 4 {
		t.Errorf("Expected total 4 after manifest fetch, got %d", total)
	}
}

func TestIndexCached(t *testing.T) {
	var indexFetches atomic.Int32
	fetch := fetchFunc(func(ctx context.Context, ref string) ([]byte, error) {
		if ref == IndexRef {
			indexFetches.Add(1)
			return testIndex(2), nil
		}
		return districtJSON(10), nil
	})

	orch := NewOrchestrator(fetch, &recordingSink{}, OrchestratorOptions{})
	for i := 0; i < 3; i++ {
		if _, err := orch.Index(context.Background()); err != nil {
			t.Fatalf("Index failed: %v", err)
		}
	}
	if got := indexFetches.Load(); got != 1 {
		t.Errorf("Expected manifest fetched once, got %d", got)
	}
}

func TestLoadAllEmptyAfterCompletion(t *testing.T) {
	var fetches atomic.Int32
	reports := 0
	orch := NewOrchestrator(indexedFetcher(2, &fetches), &recordingSink{}, OrchestratorOptions{
		OnProgress: func(loaded, total, percent int) { reports++ },
	})

	if err := orch.LoadAll(context.Background()); err != nil {
		t.Fatalf("First traversal failed: %v", err)
	}
	firstReports := reports

	start := time.Now()
	if err := orch.LoadAll(context.Background()); err != nil {
		t.Fatalf("Second traversal failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Fully loaded traversal should return promptly")
	}
	if fetches.Load() != 2 {
		t.Errorf("Expected no refetches, got %d total", fetches.Load())
	}
	if reports != firstReports {
		t.Errorf("Expected no progress reports on an empty traversal, got %d new", reports-firstReports)
	}
}
