package transport

import (
	"io"
	"net/http"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

var (
	metricWritersMu sync.RWMutex
	metricWriters   []func(w io.Writer)
)

// RegisterMetricsWriter adds a source of metrics to the /metrics endpoints,
// e.g. larch.WritePrometheus
func RegisterMetricsWriter(fn func(w io.Writer)) {
	metricWritersMu.Lock()
	defer metricWritersMu.Unlock()
	metricWriters = append(metricWriters, fn)
}

// WritePrometheus writes the default metrics set (including process metrics) and all
// registered metric writers
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
	metricWritersMu.RLock()
	defer metricWritersMu.RUnlock()
	for _, fn := range metricWriters {
		fn(w)
	}
}

// MetricsHandler serves WritePrometheus over http
func MetricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	WritePrometheus(w)
}

// NewMetricsServer creates a http server that only serves GET /metrics
func NewMetricsServer(endpoint string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", MetricsHandler)
	return &http.Server{Addr: endpoint, Handler: mux}
}
