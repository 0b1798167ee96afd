package health

import (
	"context"
	"fmt"
	"time"

	"github.com/promptlab/promptlab/internal/registry"
	"github.com/promptlab/promptlab/internal/trace"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

const (
	degradedErrorRatePct = 10
	criticalErrorRatePct = 25
	degradedLatencyMS    = 5000
	criticalLatencyMS    = 10000

	throughputWindow     = 5 * time.Minute
	throughputHourFactor = 12

	DefaultWindow      = time.Hour
	DefaultRecentLimit = 10
)

// Classify maps an error rate percentage and mean latency to a status.
// Latency is checked before the error rate at each level.
func Classify(errorRatePct, avgLatencyMS float64) Status {
	switch {
	case avgLatencyMS > criticalLatencyMS, errorRatePct > criticalErrorRatePct:
		return StatusCritical
	case avgLatencyMS > degradedLatencyMS, errorRatePct > degradedErrorRatePct:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// StatsSource is the slice of the trace store the reporter reads.
type StatsSource interface {
	GetWindowStats(ctx context.Context, filter trace.WindowFilter) (*trace.WindowStats, error)
	QueryTraces(ctx context.Context, filter trace.TraceFilter) (*trace.TraceResult, error)
}

type Activity struct {
	TraceID    string       `json:"trace_id"`
	UserID     string       `json:"user_id"`
	Source     trace.Source `json:"source"`
	Model      string       `json:"model"`
	Status     trace.Status `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMS *int64       `json:"duration_ms,omitempty"`
}

// InMemory carries registry figures. They reflect this process only.
type InMemory struct {
	ActiveTraces int                    `json:"active_traces"`
	ActiveSpans  int                    `json:"active_spans"`
	Traces       []registry.ActiveTrace `json:"traces"`
}

type Report struct {
	Status            Status     `json:"status"`
	ActiveCount       int64      `json:"active_count"`
	AvgLatencyMS      float64    `json:"avg_latency_ms"`
	ErrorRatePct      float64    `json:"error_rate_pct"`
	ThroughputPerHour int64      `json:"throughput_per_hour"`
	StartedInWindow   int64      `json:"started_in_window"`
	CompletedInWindow int64      `json:"completed_in_window"`
	WindowSeconds     int64      `json:"window_seconds"`
	RecentActivity    []Activity `json:"recent_activity"`
	InMemory          InMemory   `json:"in_memory"`
	GeneratedAt       time.Time  `json:"generated_at"`
}

type Options struct {
	Window      time.Duration
	RecentLimit int
	Now         func() time.Time
}

type Reporter struct {
	source      StatsSource
	registry    *registry.Registry
	window      time.Duration
	recentLimit int
	now         func() time.Time
}

func NewReporter(source StatsSource, reg *registry.Registry, opts Options) *Reporter {
	r := &Reporter{
		source:      source,
		registry:    reg,
		window:      opts.Window,
		recentLimit: opts.RecentLimit,
		now:         opts.Now,
	}
	if r.window <= 0 {
		r.window = DefaultWindow
	}
	if r.recentLimit <= 0 {
		r.recentLimit = DefaultRecentLimit
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Report aggregates store rows over the trailing window. The store is the
// source of truth; registry counts ride along for in-process visibility.
func (r *Reporter) Report(ctx context.Context) (*Report, error) {
	now := r.now().UTC()
	since := now.Add(-r.window)

	var (
		stats  *trace.WindowStats
		recent *trace.TraceResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats, err = r.source.GetWindowStats(gctx, trace.WindowFilter{
			Since:           since,
			ThroughputSince: now.Add(-throughputWindow),
		})
		if err != nil {
			return fmt.Errorf("read window stats: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		recent, err = r.source.QueryTraces(gctx, trace.TraceFilter{
			From:  since,
			Limit: r.recentLimit,
		})
		if err != nil {
			return fmt.Errorf("read recent traces: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		ActiveCount:       stats.ActiveCount,
		AvgLatencyMS:      stats.AvgDurationMS,
		ErrorRatePct:      errorRatePct(stats.ErrorCount, stats.CompletedCount),
		ThroughputPerHour: stats.ThroughputCount * throughputHourFactor,
		StartedInWindow:   stats.StartedCount,
		CompletedInWindow: stats.CompletedCount,
		WindowSeconds:     int64(r.window / time.Second),
		RecentActivity:    make([]Activity, 0, len(recent.Items)),
		GeneratedAt:       now,
	}
	report.Status = Classify(report.ErrorRatePct, report.AvgLatencyMS)

	for _, item := range recent.Items {
		report.RecentActivity = append(report.RecentActivity, Activity{
			TraceID:    item.ID,
			UserID:     item.UserID,
			Source:     item.Source,
			Model:      item.Model,
			Status:     item.Status,
			StartedAt:  item.StartedAt,
			DurationMS: item.DurationMS,
		})
	}

	if r.registry != nil {
		report.InMemory = InMemory{
			ActiveTraces: r.registry.ActiveTraceCount(),
			ActiveSpans:  r.registry.ActiveSpanCount(),
			Traces:       r.registry.ActiveTraces(),
		}
	} else {
		report.InMemory.Traces = []registry.ActiveTrace{}
	}

	return report, nil
}

func errorRatePct(failed, completed int64) float64 {
	if completed <= 0 {
		return 0
	}
	return float64(failed) * 100 / float64(completed)
}
