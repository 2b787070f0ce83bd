package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pl "github.com/HannahMarsh/PrettyLogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
)

var (
	PROCESSING_TIME  = "envelopeProcessingTime"
	ENVELOPE_COUNT   = "envelopeCounter"
	MIX_BATCH_SIZE   = "mixBatchSize"
	MIX_DUMMY_COUNT  = "mixDummyCounter"
	UPSTREAM_LATENCY = "upstreamLatency"
	UPSTREAM_RETRIES = "upstreamRetryCounter"
	ACTIVE_CIRCUITS  = "activeCircuits"
	REJECTED_COUNT   = "rejectedEnvelopeCounter"
)

var collectors = map[string]prometheus.Collector{
	PROCESSING_TIME: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    PROCESSING_TIME,
		Help:    "Per-hop envelope processing time in seconds",
		Buckets: prometheus.DefBuckets,
	}),
	ENVELOPE_COUNT: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: ENVELOPE_COUNT,
			Help: "Number of envelopes processed, labeled by remaining layer count",
		},
		[]string{"layers"},
	),
	MIX_BATCH_SIZE: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MIX_BATCH_SIZE,
		Help:    "Released mix batch sizes including padding",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}),
	MIX_DUMMY_COUNT: prometheus.NewCounter(prometheus.CounterOpts{
		Name: MIX_DUMMY_COUNT,
		Help: "Number of dummy envelopes emitted as batch padding",
	}),
	UPSTREAM_LATENCY: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    UPSTREAM_LATENCY,
		Help:    "Upstream RPC call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}),
	UPSTREAM_RETRIES: prometheus.NewCounter(prometheus.CounterOpts{
		Name: UPSTREAM_RETRIES,
		Help: "Number of upstream calls retried against another endpoint",
	}),
	ACTIVE_CIRCUITS: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ACTIVE_CIRCUITS,
		Help: "Number of currently established circuits",
	}),
	REJECTED_COUNT: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: REJECTED_COUNT,
			Help: "Number of rejected envelopes, labeled by reason",
		},
		[]string{"reason"},
	),
}

func Observe(id string, value float64) {
	if collector, ok := collectors[id].(prometheus.Observer); ok {
		collector.Observe(value)
	} else {
		pl.LogNewError("Failed to find observer with id: " + id)
	}
}

func Inc(id string, labels ...string) {
	if len(labels) == 0 {
		if collector, ok := collectors[id].(prometheus.Counter); ok {
			collector.Inc()
			return
		}
	}
	if collector, ok := collectors[id].(*prometheus.CounterVec); ok {
		collector.WithLabelValues(labels...).Inc()
	} else {
		pl.LogNewError("Failed to find counter with id: " + id)
	}
}

func Add(id string, value float64) {
	if collector, ok := collectors[id].(prometheus.Counter); ok {
		collector.Add(value)
	} else {
		pl.LogNewError("Failed to find counter with id: " + id)
	}
}

func Set(id string, value float64) {
	if collector, ok := collectors[id].(prometheus.Gauge); ok {
		collector.Set(value)
	} else {
		pl.LogNewError("Failed to find gauge with id: " + id)
	}
}

func ServeMetrics(prometheusPort int, collectorIds ...string) (shutdown func()) {
	for _, id := range collectorIds {
		if collector, ok := collectors[id]; ok {
			prometheus.MustRegister(collector)
		} else {
			pl.LogNewError("Failed to find collector with id: " + id)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", prometheusPort),
		Handler: mux,
	}

	go func(server *http.Server) {
		slog.Info("Starting Prometheus server", "Addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start Prometheus server", "err", err)
		}
	}(server)

	return func() {
		slog.Info("Shutting down Prometheus server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Prometheus server forced to shutdown", "err", err)
		} else {
			slog.Info("Prometheus server gracefully stopped")
		}
	}
}
