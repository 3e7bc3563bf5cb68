// Package metrics exposes the pipeline counters and latency summaries over a
// Prometheus scrape endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all barflow metrics.
type Registry struct {
	// RequestTime tracks time spent fetching one batch from an exchange.
	RequestTime *prometheus.SummaryVec

	// RequestCount counts adapter requests per exchange.
	RequestCount *prometheus.CounterVec

	// HeartbeatResponses counts suppressed heartbeat messages per exchange.
	HeartbeatResponses *prometheus.CounterVec

	// BarsEmitted counts bars written to the output topic.
	BarsEmitted *prometheus.CounterVec

	// DroppedRecords counts records dropped on protocol errors.
	DroppedRecords *prometheus.CounterVec

	reg *prometheus.Registry
}

// NewRegistry creates the metric set on a private Prometheus registry so
// tests can build as many as they like.
func NewRegistry() *Registry {
	r := &Registry{
		RequestTime: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       "request_processing_seconds",
				Help:       "Time spent processing an exchange request",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			[]string{"exchange"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "request_count",
				Help: "Total number of exchange requests",
			},
			[]string{"exchange"},
		),
		HeartbeatResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heartbeat_responses",
				Help: "Heartbeat messages received from exchange feeds",
			},
			[]string{"exchange"},
		),
		BarsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bars_emitted_total",
				Help: "Bars emitted to the output topic",
			},
			[]string{"product_id", "bar_type"},
		),
		DroppedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropped_records_total",
				Help: "Records dropped on protocol errors",
			},
			[]string{"exchange", "kind"},
		),
		reg: prometheus.NewRegistry(),
	}

	r.reg.MustRegister(
		r.RequestTime,
		r.RequestCount,
		r.HeartbeatResponses,
		r.BarsEmitted,
		r.DroppedRecords,
	)
	return r
}

// ObserveRequest records one exchange request and its latency.
func (r *Registry) ObserveRequest(exchange string, elapsed time.Duration) {
	r.RequestTime.WithLabelValues(exchange).Observe(elapsed.Seconds())
	r.RequestCount.WithLabelValues(exchange).Inc()
}

// Handler returns the scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Server is the observability sidecar HTTP server.
type Server struct {
	srv *http.Server
}

// NewServer mounts /metrics and /health on the configured port.
func NewServer(port int, reg *Registry) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Metrics endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops the server, draining in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
