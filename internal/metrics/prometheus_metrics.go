package metrics

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ratequeue/internal/log"
	"ratequeue/internal/queue"
)

// QueueMetrics is the Prometheus exposition of the dispatcher's
// Collector: lifecycle counters, a buffer-depth gauge, and gauges for the
// report's throughput and average wait time, registered once at
// construction.
type QueueMetrics struct {
	EnqueueTotal    *prometheus.CounterVec
	DequeueTotal    *prometheus.CounterVec
	CompleteTotal   *prometheus.CounterVec
	FailureTotal    *prometheus.CounterVec
	BufferDepth     prometheus.Gauge
	ThroughputPerMin prometheus.Gauge
	AverageWaitMS   prometheus.Gauge

	registry  *prometheus.Registry
	collector *Collector
	logger    *log.Logger
}

// NewQueueMetrics builds and registers the dispatcher's Prometheus metric
// families on a dedicated registry (rather than prometheus's global
// DefaultRegisterer), backed by collector for the periodic gauges. A
// dedicated registry lets a process - or a test suite - construct more
// than one QueueMetrics without the second call panicking on a duplicate
// registration.
func NewQueueMetrics(collector *Collector, logger *log.Logger) *QueueMetrics {
	m := &QueueMetrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratequeue_enqueue_total",
				Help: "Total number of enqueued requests",
			},
			[]string{"priority"},
		),
		DequeueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratequeue_dequeue_total",
				Help: "Total number of dispatched requests",
			},
			[]string{"priority"},
		),
		CompleteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratequeue_complete_total",
				Help: "Total number of requests marked processed",
			},
			[]string{"priority"},
		),
		FailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratequeue_failure_total",
				Help: "Total number of requests marked failed",
			},
			[]string{"priority"},
		),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratequeue_buffer_depth",
			Help: "Current number of messages held in the priority buffer",
		}),
		ThroughputPerMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratequeue_throughput_per_minute",
			Help: "Messages processed in the last minute",
		}),
		AverageWaitMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratequeue_average_wait_ms",
			Help: "Average wait time in milliseconds over the retained metrics window",
		}),
		registry:  prometheus.NewRegistry(),
		collector: collector,
		logger:    logger,
	}

	m.registry.MustRegister(
		m.EnqueueTotal,
		m.DequeueTotal,
		m.CompleteTotal,
		m.FailureTotal,
		m.BufferDepth,
		m.ThroughputPerMin,
		m.AverageWaitMS,
	)

	return m
}

// RecordEnqueue/RecordDequeue/RecordComplete/RecordFailure feed both the
// Prometheus counters and the underlying Collector from a single call
// site in the dispatcher, so the two never drift out of sync.
func (m *QueueMetrics) RecordEnqueue(id string, p queue.Priority) {
	m.EnqueueTotal.WithLabelValues(p.String()).Inc()
	m.collector.Record(Event{Kind: EventEnqueue, MessageID: id, Priority: p, At: time.Now()})
}

func (m *QueueMetrics) RecordDequeue(id string, p queue.Priority, wait time.Duration) {
	m.DequeueTotal.WithLabelValues(p.String()).Inc()
	m.collector.Record(Event{Kind: EventDequeue, MessageID: id, Priority: p, At: time.Now(), WaitTime: wait})
}

func (m *QueueMetrics) RecordComplete(id string, p queue.Priority, tokensUsed int) {
	m.CompleteTotal.WithLabelValues(p.String()).Inc()
	m.collector.Record(Event{Kind: EventComplete, MessageID: id, Priority: p, At: time.Now(), TokensUsed: tokensUsed})
}

func (m *QueueMetrics) RecordFailure(id string, p queue.Priority) {
	m.FailureTotal.WithLabelValues(p.String()).Inc()
	m.collector.Record(Event{Kind: EventFailure, MessageID: id, Priority: p, At: time.Now()})
}

// SetBufferDepth lets the dispatcher push the current buffer occupancy
// directly, since the Collector's event log has no notion of "currently
// buffered" (only lifecycle transitions).
func (m *QueueMetrics) SetBufferDepth(n int) {
	m.BufferDepth.Set(float64(n))
}

// Run starts the periodic gauge refresh and the /metrics HTTP server,
// returning once ctx is done. TLS is used when TLS_CERT_FILE and
// TLS_KEY_FILE are both set, matching the rest of this codebase's
// optional-TLS convention.
func (m *QueueMetrics) Run(ctx context.Context, addr string) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Errorw("failed to load TLS certificates for metrics server", "error", err)
		} else {
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}

	go m.collectGauges(ctx)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Infow("metrics server starting with TLS", "addr", addr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Errorw("metrics server failed", "error", err)
			}
		} else {
			logger.Infow("metrics server starting without TLS", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("metrics server failed", "error", err)
			}
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Errorw("metrics server shutdown failed", "error", err)
	}
}

func (m *QueueMetrics) collectGauges(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Infow("metrics gauge refresh shutting down")
			return
		case <-ticker.C:
			report := m.collector.GetReport()
			m.ThroughputPerMin.Set(report.ThroughputPerMinute)
			m.AverageWaitMS.Set(float64(report.AverageWaitTime.Milliseconds()))
		}
	}
}
