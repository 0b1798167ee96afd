package registry

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const defaultShardCount = 32

var ErrTraceNotActive = errors.New("trace is not active")

// TraceInfo is what the registry remembers about an in-flight trace.
type TraceInfo struct {
	TraceID   string
	UserID    string
	Model     string
	StartedAt time.Time
}

type SpanInfo struct {
	SpanID    string
	TraceID   string
	Name      string
	StartedAt time.Time
}

// ActiveTrace is a point-in-time view of one registered trace.
type ActiveTrace struct {
	TraceID   string        `json:"trace_id"`
	UserID    string        `json:"user_id"`
	Model     string        `json:"model"`
	StartedAt time.Time     `json:"started_at"`
	Age       time.Duration `json:"age"`
	SpanCount int           `json:"span_count"`
}

type entry struct {
	info  TraceInfo
	spans map[string]SpanInfo
}

type shard struct {
	mu     sync.RWMutex
	traces map[string]*entry
}

// Registry tracks active traces and their spans. Traces are spread over a
// fixed set of shards by FNV-1a hash of the trace ID so unrelated traces do
// not contend on one lock.
type Registry struct {
	shards []*shard
	now    func() time.Time
}

type Option func(*Registry)

// WithShardCount overrides the number of shards. Values below one are ignored.
func WithShardCount(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		shards: newShards(defaultShardCount),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{traces: make(map[string]*entry)}
	}
	return shards
}

func (r *Registry) shardFor(traceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(traceID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// RegisterTrace adds or replaces a trace. Re-registering keeps existing spans.
func (r *Registry) RegisterTrace(info TraceInfo) {
	if info.TraceID == "" {
		return
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = r.now()
	}
	s := r.shardFor(info.TraceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.traces[info.TraceID]; ok {
		existing.info = info
		return
	}
	s.traces[info.TraceID] = &entry{info: info, spans: make(map[string]SpanInfo)}
}

// DeregisterTrace removes a trace together with its spans. It reports whether
// the trace was registered.
func (r *Registry) DeregisterTrace(traceID string) bool {
	s := r.shardFor(traceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[traceID]; !ok {
		return false
	}
	delete(s.traces, traceID)
	return true
}

func (r *Registry) IsActive(traceID string) bool {
	s := r.shardFor(traceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.traces[traceID]
	return ok
}

// Lookup returns the registered info for a trace.
func (r *Registry) Lookup(traceID string) (TraceInfo, bool) {
	s := r.shardFor(traceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.traces[traceID]
	if !ok {
		return TraceInfo{}, false
	}
	return e.info, true
}

// RegisterSpan attaches a span to an active trace.
func (r *Registry) RegisterSpan(span SpanInfo) error {
	if span.SpanID == "" {
		return errors.New("span id is required")
	}
	if span.StartedAt.IsZero() {
		span.StartedAt = r.now()
	}
	s := r.shardFor(span.TraceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.traces[span.TraceID]
	if !ok {
		return ErrTraceNotActive
	}
	e.spans[span.SpanID] = span
	return nil
}

// DeregisterSpan removes a span and returns it when it was registered.
func (r *Registry) DeregisterSpan(traceID, spanID string) (SpanInfo, bool) {
	s := r.shardFor(traceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.traces[traceID]
	if !ok {
		return SpanInfo{}, false
	}
	span, ok := e.spans[spanID]
	if !ok {
		return SpanInfo{}, false
	}
	delete(e.spans, spanID)
	return span, true
}

func (r *Registry) ActiveTraceCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.traces)
		s.mu.RUnlock()
	}
	return total
}

func (r *Registry) ActiveSpanCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.traces {
			total += len(e.spans)
		}
		s.mu.RUnlock()
	}
	return total
}

// ActiveTraces lists registered traces, oldest first.
func (r *Registry) ActiveTraces() []ActiveTrace {
	now := r.now()
	out := make([]ActiveTrace, 0)
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.traces {
			age := now.Sub(e.info.StartedAt)
			if age < 0 {
				age = 0
			}
			out = append(out, ActiveTrace{
				TraceID:   e.info.TraceID,
				UserID:    e.info.UserID,
				Model:     e.info.Model,
				StartedAt: e.info.StartedAt,
				Age:       age,
				SpanCount: len(e.spans),
			})
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TraceID < out[j].TraceID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
