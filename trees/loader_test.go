package trees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"web/madtrees/cluster"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]cluster.Marker
	total   int
}

func (s *recordingSink) AddBatch(markers []cluster.Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]cluster.Marker, len(markers))
	copy(batch, markers)
	s.batches = append(s.batches, batch)
	s.total += len(markers)
}

func (s *recordingSink) Add(m cluster.Marker) {
	s.AddBatch([]cluster.Marker{m})
}

func (s *recordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type fetchFunc func(ctx context.Context, ref string) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

func districtJSON(n int) []byte {
	features := make([]map[string]interface{}, n)
	for i := range features {
		features[i] = map[string]interface{}{
			"geometry": map[string]interface{}{
				"type":        "Point",
				"coordinates": []float64{-3.70 + float64(i)*0.0001, 40.41},
			},
			"properties": map[string]interface{}{
				"sn": fmt.Sprintf("Species %d", i),
				"d":  20.0,
				"h":  10.0,
			},
		}
	}
	data, err := json.Marshal(map[string]interface{}{
		"type":     "FeatureCollection",
		"features": features,
	})
	if err != nil {
		panic(err)
	}
	return data
}

func newTestLoader(sink *recordingSink, fetch fetchFunc) *Loader {
	return &Loader{
		Fetcher: fetch,
		Sink:    sink,
		State:   NewLoadState(),
	}
}

func TestLoadDistrictChunking(t *testing.T) {
	sink := &recordingSink{}
	yields := 0
	loader := newTestLoader(sink, func(ctx context.Context, ref string) ([]byte, error) {
		return districtJSON(1300), nil
	})
	loader.Yield = func() { yields++ }

	d := District{Code: "01", Name: "Centro", Filename: "districts/01.json", Count: 1300}
	if err := loader.LoadDistrict(context.Background(), d); err != nil {
		t.Fatalf("LoadDistrict failed: %v", err)
	}

	if sink.total != 1300 {
		t.Errorf("Expected 1300 markers, got %d", sink.total)
	}
	expected := []int{500, 500, 300}
	if len(sink.batches) != len(expected) {
		t.Fatalf("Expected %d batches, got %d", len(expected), len(sink.batches))
	}
	for i, size := range expected {
		if len(sink.batches[i]) != size {
			t.Errorf("Batch %d: expected %d markers, got %d", i, size, len(sink.batches[i]))
		}
	}
	if yields != 2 {
		t.Errorf("Expected 2 yields for 1300 records, got %d", yields)
	}
	if !loader.State.IsLoaded("01") {
		t.Error("Expected district to be marked loaded")
	}
}

func TestLoadDistrictBoundedBatches(t *testing.T) {
	sink := &recordingSink{}
	loader := newTestLoader(sink, func(ctx context.Context, ref string) ([]byte, error) {
		return districtJSON(5000), nil
	})
	loader.Yield = func() {}

	d := District{Code: "05", Name: "Chamartín", Filename: "districts/05.json", Count: 5000}
	if err := loader.LoadDistrict(context.Background(), d); err != nil {
		t.Fatalf("LoadDistrict failed: %v", err)
	}

	if sink.total != 5000 {
		t.Errorf("Expected 5000 markers, got %d", sink.total)
	}
	for i, batch := range sink.batches {
		if len(batch) > DefaultChunkSize {
			t.Errorf("Batch %d exceeds chunk size: %d", i, len(batch))
		}
	}
}

func TestLoadDistrictSkipsBadGeometry(t *testing.T) {
	payload := []byte(`{"features": [
		{"geometry": {"type": "Point", "coordinates": [-3.7, 40.4]}, "properties": {"sn": "Good"}},
		{"geometry": null, "properties": {"sn": "No geometry"}},
		{"geometry": {"type": "Point", "coordinates": [-3.7]}, "properties": {"sn": "Short coords"}},
		{"geometry": {"type": "Point", "coordinates": [-3.69, 40.42]}, "properties": {"sn": "Also good"}}
	]}`)

	sink := &recordingSink{}
	loader := newTestLoader(sink, func(ctx context.Context, ref string) ([]byte, error) {
		return payload, nil
	})

	d := District{Code: "02", Name: "Arganzuela", Filename: "districts/02.json"}
	if err := loader.LoadDistrict(context.Background(), d); err != nil {
		t.Fatalf("LoadDistrict failed: %v", err)
	}
	if sink.total != 2 {
		t.Errorf("Expected 2 markers after skipping bad geometry, got %d", sink.total)
	}
}

func TestLoadDistrictIdempotent(t *testing.T) {
	fetches := 0
	sink := &recordingSink{}
	loader := newTestLoader(sink, func(ctx context.Context, ref string) ([]byte, error) {
		fetches++
		return districtJSON(10), nil
	})

	d := District{Code: "03", Name: "Retiro", Filename: "districts/03.json"}
	if err := loader.LoadDistrict(context.Background(), d); err != nil {
		t.Fatalf("First load failed: %v", err)
	}
	if err := loader.LoadDistrict(context.Background(), d); err != nil {
		t.Fatalf("Second load failed: %v", err)
	}

	if fetches != 1 {
		t.Errorf("Expected 1 fetch for repeated load, got %d", fetches)
	}
	if sink.total != 10 {
		t.Errorf("Expected 10 markers, got %d", sink.total)
	}
}

func TestLoadDistrictFetchFailure(t *testing.T) {
	sink := &recordingSink{}
	loader := newTestLoader(sink, func(ctx context.Context, ref string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	d := District{Code: "04", Name: "Salamanca", Filename: "districts/04.json"}
	if err := loader.LoadDistrict(context.Background(), d); err == nil {
		t.Fatal("Expected error from failed fetch")
	}
	if loader.State.IsLoaded("04") {
		t.Error("Failed district should not be marked loaded")
	}
	if sink.total != 0 {
		t.Errorf("Expected empty sink after failure, got %d markers", sink.total)
	}
}

func TestLoadDistrictParseFailure(t *testing.T) {
	sink := &recordingSink{}
	loader := newTestLoader(sink, func(ctx context.Context, ref string) ([]byte, error) {
		return []byte("{truncated"), nil
	})

	d := District{Code: "06", Name: "Tetuán", Filename: "districts/06.json"}
	if err := loader.LoadDistrict(context.Background(), d); err == nil {
		t.Fatal("Expected error from malformed district file")
	}
	if loader.State.IsLoaded("06") {
		t.Error("Unparseable district should not be marked loaded")
	}
}

func TestLoadDistrictNameFallback(t *testing.T) {
	payload := []byte(`{"features": [
		{"geometry": {"type": "Point", "coordinates": [-3.7, 40.4]}, "properties": {"sn": "Tree", "dt": "Centro"}},
		{"geometry": {"type": "Point", "coordinates": [-3.7, 40.4]}, "properties": {"sn": "Tree"}}
	]}`)

	sink := &recordingSink{}
	loader := newTestLoader(sink, func(ctx context.Context, ref string) ([]byte, error) {
		return payload, nil
	})

	d := District{Code: "01", Name: "Centro (manifest)", Filename: "districts/01.json"}
	if err := loader.LoadDistrict(context.Background(), d); err != nil {
		t.Fatalf("LoadDistrict failed: %v", err)
	}
	markers := sink.batches[0]
	if markers[0].District != "Centro" {
		t.Errorf("Expected property district, got %q", markers[0].District)
	}
	if markers[1].District != "Centro (manifest)" {
		t.Errorf("Expected manifest name fallback, got %q", markers[1].District)
	}
}

func TestLoadDistrictSingularStyling(t *testing.T) {
	payload := []byte(`{"features": [
		{"geometry": {"type": "Point", "coordinates": [-3.7, 40.4]}, "properties": {"sn": "Taxodium", "d": 500, "h": 30}}
	]}`)

	sink := &recordingSink{}
	loader := newTestLoader(sink, func(ctx context.Context, ref string) ([]byte, error) {
		return payload, nil
	})

	d := District{Code: SingularDistrictCode, Name: "Árboles Singulares", Filename: "districts/singulares.json"}
	if err := loader.LoadDistrict(context.Background(), d); err != nil {
		t.Fatalf("LoadDistrict failed: %v", err)
	}
	m := sink.batches[0][0]
	if m.SizeClass != "singular" || m.Radius != 12 {
		t.Errorf("Expected singular style, got class %q radius %v", m.SizeClass, m.Radius)
	}
	if m.Fill != "#8E24AA" {
		t.Errorf("Expected purple fill, got %s", m.Fill)
	}
}
