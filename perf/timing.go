// Package perf provides timing and throughput measurement for transfer runs.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Debug("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// Phase names a stage of a session attempt.
type Phase string

const (
	PhaseConnect  Phase = "connect"
	PhaseCatalog  Phase = "catalog"
	PhaseDownload Phase = "download"
	PhaseRealtime Phase = "realtime"
)

// RunMetrics accumulates timings and transfer totals across every session
// attempt of one run.
type RunMetrics struct {
	mu sync.Mutex

	Started time.Time
	Phases  map[Phase]time.Duration

	Attempts     int
	Files        int
	Bytes        int64
	TransferTime time.Duration
}

// NewRunMetrics creates a new metrics tracker.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{Started: time.Now(), Phases: map[Phase]time.Duration{}}
}

// RecordPhase adds d to the time spent in p.
func (m *RunMetrics) RecordPhase(p Phase, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Phases[p] += d
}

// RecordAttempt counts one session attempt.
func (m *RunMetrics) RecordAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Attempts++
}

// RecordTransfer records one completed file.
func (m *RunMetrics) RecordTransfer(bytes int64, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files++
	m.Bytes += bytes
	m.TransferTime += d
}

// Rate returns the throughput in MB/s, or 0 for a zero duration.
func Rate(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) / d.Seconds() / (1 << 20)
}

// Summary returns a formatted summary of the metrics.
func (m *RunMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := time.Since(m.Started)
	var transferPercent float64
	if total > 0 {
		transferPercent = float64(m.TransferTime) / float64(total) * 100
	}

	return fmt.Sprintf(`
=== Transfer Performance ===
Total Duration:        %v
Session Attempts:      %d

Phase Durations:
  Connect:             %v
  Catalog:             %v
  Download:            %v
  Realtime:            %v

Transfers:
  Files:               %d
  Bytes:               %s
  Transfer Time:       %v (%.1f%% of total)
  Throughput:          %.2f MB/s
`,
		total.Round(time.Millisecond),
		m.Attempts,
		m.Phases[PhaseConnect],
		m.Phases[PhaseCatalog],
		m.Phases[PhaseDownload],
		m.Phases[PhaseRealtime],
		m.Files,
		humanize.Comma(m.Bytes),
		m.TransferTime, transferPercent,
		Rate(m.Bytes, m.TransferTime),
	)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *RunMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context.
func MetricsFromContext(ctx context.Context) *RunMetrics {
	m, _ := ctx.Value(contextKey{}).(*RunMetrics)
	return m
}
