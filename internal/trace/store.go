package trace

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("trace store record not found")
var ErrStatusConflict = errors.New("trace status does not permit this write")
var ErrInvalidCursor = errors.New("trace cursor is invalid")

// TraceStore is the durable side of the tracker. Implementations perform no
// lifecycle logic beyond the conditional status guard on UpdateTrace.
type TraceStore interface {
	CreateTrace(ctx context.Context, trace *Trace) error
	UpdateTrace(ctx context.Context, id string, update *Update) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	DeleteTrace(ctx context.Context, id string) error
	QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, traceID string) ([]*Event, error)
	GetWindowStats(ctx context.Context, filter WindowFilter) (*WindowStats, error)
	Close() error
}

type TraceFilter struct {
	UserID    string
	SessionID string
	Source    Source
	Model     string
	Statuses  []Status
	From      time.Time
	To        time.Time
	Limit     int
	Cursor    string
}

type TraceResult struct {
	Items      []*Trace
	NextCursor string
}

// WindowFilter bounds the aggregate queries used by the live view.
type WindowFilter struct {
	// Since is the start of the latency and error-rate window.
	Since time.Time
	// ThroughputSince is the start of the throughput window.
	ThroughputSince time.Time
}

// WindowStats aggregates trace rows. ActiveCount covers every live trace
// regardless of the window.
type WindowStats struct {
	ActiveCount     int64
	StartedCount    int64
	CompletedCount  int64
	ErrorCount      int64
	AvgDurationMS   float64
	ThroughputCount int64
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 200
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
