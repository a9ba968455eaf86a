package trees

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"time"

	"web/madtrees/cluster"
	"web/madtrees/metrics"
)

// DefaultChunkSize bounds how many records are converted and flushed to
// the sink between yields. This is the responsiveness guarantee: no
// single district, however large, occupies the scheduler for more than
// one chunk's worth of work at a time.
const DefaultChunkSize = 500

// RenderSink is the clustering display layer the loader feeds. It owns
// markers once handed over.
type RenderSink interface {
	AddBatch(markers []cluster.Marker)
	Add(m cluster.Marker)
	Count() int
}

// District files are GeoJSON point collections, coordinates in
// longitude-then-latitude order.
type featureCollection struct {
	Features []feature `json:"features"`
}

type feature struct {
	Geometry   *geometry              `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// Loader converts one district at a time into markers. A district is an
// isolated failure domain: any transport or parse error is logged and the
// district is left unloaded, never aborting the overall traversal.
type Loader struct {
	Fetcher   Fetcher
	Sink      RenderSink
	State     *LoadState
	ChunkSize int
	Yield     func() // called between chunk flushes; defaults to runtime.Gosched
	Log       *slog.Logger
}

func (l *Loader) chunkSize() int {
	if l.ChunkSize > 0 {
		return l.ChunkSize
	}
	return DefaultChunkSize
}

func (l *Loader) yield() {
	if l.Yield != nil {
		l.Yield()
		return
	}
	runtime.Gosched()
}

func (l *Loader) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

// LoadDistrict fetches one district and feeds its markers to the sink in
// chunks. Already-loaded districts are a no-op. The code is marked loaded
// only after every record has been converted and handed over, so a
// partially processed district is never reported as loaded.
func (l *Loader) LoadDistrict(ctx context.Context, d District) error {
	if l.State.IsLoaded(d.Code) {
		return nil
	}

	start := time.Now()
	data, err := l.Fetcher.Fetch(ctx, d.Filename)
	if err != nil {
		l.logger().Warn("district fetch failed", "code", d.Code, "file", d.Filename, "err", err)
		metrics.DistrictLoadFailuresTotal.Inc()
		return err
	}

	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		l.logger().Warn("district parse failed", "code", d.Code, "file", d.Filename, "err", err)
		metrics.DistrictLoadFailuresTotal.Inc()
		return err
	}

	chunk := make([]cluster.Marker, 0, l.chunkSize())
	converted, skipped := 0, 0
	for i := range fc.Features {
		f := &fc.Features[i]
		if f.Geometry == nil || len(f.Geometry.Coordinates) < 2 {
			// Records without usable geometry are excluded, not errors.
			skipped++
			continue
		}

		attrs := ResolveAttributes(f.Properties)
		style := StyleFor(d.Code, attrs.Diameter, attrs.Height)

		district := attrs.District
		if district == "" {
			district = d.Name
		}
		chunk = append(chunk, cluster.Marker{
			Lng:          float32(f.Geometry.Coordinates[0]),
			Lat:          float32(f.Geometry.Coordinates[1]),
			Radius:       float32(style.Radius),
			Fill:         style.Fill,
			Border:       style.Border,
			SizeClass:    style.SizeClass,
			Species:      attrs.Species,
			CommonName:   attrs.CommonName,
			Diameter:     float32(attrs.Diameter),
			Height:       float32(attrs.Height),
			District:     district,
			Neighborhood: attrs.Neighborhood,
		})
		converted++

		if len(chunk) >= l.chunkSize() {
			l.Sink.AddBatch(chunk)
			chunk = make([]cluster.Marker, 0, l.chunkSize())
			l.yield()
		}
	}
	if len(chunk) > 0 {
		l.Sink.AddBatch(chunk)
	}

	l.State.MarkLoaded(d.Code)
	metrics.DistrictsLoadedTotal.Inc()
	metrics.TreesConvertedTotal.Add(float64(converted))
	metrics.RecordsSkippedTotal.Add(float64(skipped))
	metrics.DistrictLoadDuration.Observe(time.Since(start).Seconds())

	l.logger().Info("district loaded",
		"code", d.Code, "trees", converted, "skipped", skipped,
		"took", time.Since(start))
	return nil
}
