package tilepack

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the fetch metrics. It is written out once at the end of a run.
var Registry = prometheus.NewRegistry()

var (
	tilesSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestitch_tiles_saved_total",
		Help: "Tiles fetched and saved to scratch storage",
	})
	fetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestitch_fetch_retries_total",
		Help: "Tile requests retried after a transient failure",
	})
	fetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestitch_fetch_failures_total",
		Help: "Tiles given up on after retries or a missing tile response",
	})
	fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilestitch_fetch_duration_seconds",
		Help:    "Time spent fetching one tile, retries included",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	Registry.MustRegister(tilesSaved, fetchRetries, fetchFailures, fetchDuration)
}

// WriteMetrics dumps the registry in the node exporter textfile format.
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
