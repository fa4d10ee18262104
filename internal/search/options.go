package search

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/telemetry"
)

// Config tunes the service.
type Config struct {
	// StaleLag is the partition lag above which responses are stale (default 100).
	StaleLag uint64
	// CacheSize is the number of cached result sets; 0 disables the cache.
	CacheSize int
	// DefaultTimeout applies to MinConsistency without a timeout (default 5s).
	DefaultTimeout time.Duration
	// MaxK caps k (default 1000).
	MaxK int
	// PollInterval paces MinConsistency waits (default 5ms).
	PollInterval time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		StaleLag:       100,
		CacheSize:      1024,
		DefaultTimeout: 5 * time.Second,
		MaxK:           1000,
		PollInterval:   5 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleLag == 0 {
		c.StaleLag = d.StaleLag
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxK <= 0 {
		c.MaxK = d.MaxK
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMetrics records latency and cache counters in Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithQueryMetrics records per-query statistics.
func WithQueryMetrics(m *telemetry.QueryMetrics) Option {
	return func(s *Service) {
		s.queryMetrics = m
	}
}

func invalid(format string, args ...any) error {
	return errors.New(errors.ErrCodeInvalidQuery, fmt.Sprintf(format, args...), nil)
}

// validate checks everything that does not need the index definition.
func (c Config) validate(q Query) error {
	if q.Index == "" {
		return invalid("index name is required")
	}
	if q.K <= 0 {
		return invalid("k must be positive, got %d", q.K)
	}
	if q.K > c.MaxK {
		return invalid("k %d exceeds the limit of %d", q.K, c.MaxK)
	}
	if len(q.Vector) == 0 {
		return invalid("query vector is empty")
	}
	for i, f := range q.Vector {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return invalid("query vector element %d is not finite", i)
		}
	}
	if mc := q.MinConsistency; mc != nil && mc.Timeout < 0 {
		return invalid("negative consistency timeout")
	}
	return nil
}
