// Package config loads dispatcher configuration the way the rest of
// this codebase loads it: environment variables (optionally backed by a
// .env file via godotenv), with an optional YAML file for the scoring
// weight profile, and fail-fast validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ratequeue/internal/log"
	"ratequeue/internal/presets"
	"ratequeue/internal/scoring"
)

// Config is the Dispatcher Core's construction-time configuration (spec
// §4.E, DispatcherConfig).
type Config struct {
	BufferSize             int
	EnablePrefetch         bool
	PrefetchInterval       time.Duration
	MaxCandidatesToEvaluate int
	MinScoreThreshold      float64
	MetricsRetentionMS     int64
	VisibilityTimeout      time.Duration
	Weights                scoring.Weights

	JWTSecret string
	HTTPAddr  string

	Logger *log.Logger
}

// WeightsFile is the on-disk shape for a custom weight profile (spec
// §4.C, Weights), loaded when RATEQUEUE_WEIGHTS_FILE is set.
type WeightsFile struct {
	Priority       float64 `yaml:"priority"`
	Efficiency     float64 `yaml:"efficiency"`
	WaitTime       float64 `yaml:"waitTime"`
	Retry          float64 `yaml:"retry"`
	TokenFit       float64 `yaml:"tokenFit"`
	ProcessingTime float64 `yaml:"processingTime"`
}

// Load builds a Config from the environment, matching the teacher's
// env-first, fail-fast style: a missing .env is tolerated, a missing
// required variable is not.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger := log.NewLogger()
		logger.Warnw("no .env file found, continuing with process environment", "error", err)
	}

	logger := log.NewLogger()

	cfg := &Config{
		BufferSize:              envInt("RATEQUEUE_BUFFER_SIZE", 50),
		EnablePrefetch:          envBool("RATEQUEUE_ENABLE_PREFETCH", false),
		PrefetchInterval:        time.Duration(envInt("RATEQUEUE_PREFETCH_INTERVAL_MS", 5000)) * time.Millisecond,
		MaxCandidatesToEvaluate: envInt("RATEQUEUE_MAX_CANDIDATES", 20),
		MinScoreThreshold:       envFloat("RATEQUEUE_MIN_SCORE_THRESHOLD", 0.1),
		MetricsRetentionMS:      int64(envInt("RATEQUEUE_METRICS_RETENTION_MS", 300000)),
		VisibilityTimeout:       time.Duration(envInt("RATEQUEUE_VISIBILITY_TIMEOUT_MS", 30000)) * time.Millisecond,
		Weights:                 scoring.DefaultWeights(),
		JWTSecret:               os.Getenv("RATEQUEUE_JWT_SECRET"),
		HTTPAddr:                envString("RATEQUEUE_HTTP_ADDR", ":8080"),
		Logger:                  logger,
	}

	if presetName := os.Getenv("RATEQUEUE_WEIGHT_PRESET"); presetName != "" {
		profile, ok := presets.Resolve(presets.Name(presetName))
		if !ok {
			logger.Warnw("unknown weight preset, falling back to default", "preset", presetName)
		}
		cfg.Weights = profile.Weights
		if profile.EnablePrefetch {
			cfg.EnablePrefetch = true
		}
		if profile.BufferSize > cfg.BufferSize {
			cfg.BufferSize = profile.BufferSize
		}
		if profile.MaxCandidatesToEvaluate > cfg.MaxCandidatesToEvaluate {
			cfg.MaxCandidatesToEvaluate = profile.MaxCandidatesToEvaluate
		}
	}

	if path := os.Getenv("RATEQUEUE_WEIGHTS_FILE"); path != "" {
		w, err := loadWeightsFile(path)
		if err != nil {
			logger.Errorw("failed to load weights file", "path", path, "error", err)
			return nil, fmt.Errorf("loading weights file %s: %w", path, err)
		}
		cfg.Weights = w
	}

	if cfg.JWTSecret == "" {
		logger.Errorw("RATEQUEUE_JWT_SECRET is required")
		return nil, fmt.Errorf("RATEQUEUE_JWT_SECRET is required")
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("RATEQUEUE_BUFFER_SIZE must be positive, got %d", cfg.BufferSize)
	}
	if cfg.MinScoreThreshold < 0 || cfg.MinScoreThreshold > 1 {
		return nil, fmt.Errorf("RATEQUEUE_MIN_SCORE_THRESHOLD must be in [0,1], got %f", cfg.MinScoreThreshold)
	}

	logger.Infow("config loaded", "bufferSize", cfg.BufferSize, "enablePrefetch", cfg.EnablePrefetch)
	return cfg, nil
}

func loadWeightsFile(path string) (scoring.Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scoring.Weights{}, err
	}
	var wf WeightsFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return scoring.Weights{}, err
	}
	return scoring.Weights{
		Priority:       wf.Priority,
		Efficiency:     wf.Efficiency,
		WaitTime:       wf.WaitTime,
		Retry:          wf.Retry,
		TokenFit:       wf.TokenFit,
		ProcessingTime: wf.ProcessingTime,
	}, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
