// Command ratequeued runs the rate-aware dispatcher as a standalone
// HTTP service: in-memory storage, the priority buffer, the prefetch
// worker (if enabled), the Prometheus metrics endpoint, and the
// JWT-authenticated request API, wired together and shut down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"ratequeue/internal/config"
	"ratequeue/internal/dispatcher"
	"ratequeue/internal/log"
	"ratequeue/internal/metrics"
	"ratequeue/internal/ratelimiter"
	"ratequeue/internal/server"
	"ratequeue/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := log.NewLogger()
		logger.Fatalw("failed to load config", "error", err)
	}
	logger := cfg.Logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var walSink storage.WALSink
	if dir := os.Getenv("RATEQUEUE_WAL_DIR"); dir != "" {
		walPath := dir + "/ratequeue.wal"
		fileWAL, err := storage.NewFileWAL(walPath)
		if err != nil {
			logger.Fatalw("failed to open write-ahead log", "path", walPath, "error", err)
		}
		defer fileWAL.Close()
		walSink = fileWAL
	}

	memOpts := []storage.MemoryOption{storage.WithLogger(logger)}
	if walSink != nil {
		memOpts = append(memOpts, storage.WithWAL(walSink))
	}
	if max := os.Getenv("RATEQUEUE_MAX_RECEIVE_COUNT"); max != "" {
		if n, err := strconv.Atoi(max); err == nil && n > 0 {
			memOpts = append(memOpts, storage.WithMaxReceiveCount(n))
		}
	}

	nodeID := int64(0)
	if id := os.Getenv("RATEQUEUE_NODE_ID"); id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			nodeID = n
		}
	}

	adapter, err := storage.NewMemory(nodeID, memOpts...)
	if err != nil {
		logger.Fatalw("failed to initialize storage", "error", err)
	}
	defer adapter.Close()

	collector := metrics.New(
		time.Duration(cfg.MetricsRetentionMS)*time.Millisecond,
		metrics.DefaultMaxCount,
	)
	promMetrics := metrics.NewQueueMetrics(collector, logger)

	d := dispatcher.New(adapter, cfg, collector, promMetrics, logger)
	defer d.Stop()

	limiter := ratelimiter.AllowAll()

	go promMetrics.Run(ctx, ":2112")

	r := chi.NewRouter()
	server.SetupRouter(r, d, limiter, cfg.JWTSecret, logger)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatalw("failed to load TLS certificates", "error", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warnw("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Infow("server starting with TLS", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("server failed", "error", err)
			}
		} else {
			logger.Infow("server starting without TLS", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("server failed", "error", err)
			}
		}
	}()

	<-ctx.Done()
	logger.Infow("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Errorw("server shutdown failed", "error", err)
	}
}
