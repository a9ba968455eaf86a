package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DistrictsLoadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "madtrees_districts_loaded_total",
		Help: "Total number of districts fully converted and handed to the render sink",
	})
	DistrictLoadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "madtrees_district_load_failures_total",
		Help: "Total number of district loads that failed (transport or parse)",
	})
	TreesConvertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "madtrees_trees_converted_total",
		Help: "Total number of tree records converted into markers",
	})
	RecordsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "madtrees_records_skipped_total",
		Help: "Total number of records skipped for missing geometry",
	})
	DistrictLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "madtrees_district_load_duration_seconds",
		Help:    "Time to fetch and convert one district",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	RenderedPoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "madtrees_rendered_points",
		Help: "Markers currently held by the render sink",
	})
)

func init() {
	prometheus.MustRegister(
		DistrictsLoadedTotal,
		DistrictLoadFailuresTotal,
		TreesConvertedTotal,
		RecordsSkippedTotal,
		DistrictLoadDuration,
		RenderedPoints,
	)
}

// Handler exposes the default registry for a /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
