package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/promptlab/promptlab/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// pgxPool is the subset of *pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool.
type pgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

var _ pgxPool = (*pgxpool.Pool)(nil)

type PostgresStore struct {
	pool pgxPool
}

var _ TraceStore = (*PostgresStore)(nil)

// PoolConfig tunes the connection pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

func NewPostgresStore(ctx context.Context, dsn string, poolCfg PoolConfig) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		cfg.MinConns = poolCfg.MinConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// Migrations run over database/sql; the bridge shares the pool.
	db := stdlib.OpenDBFromPool(pool)
	if err := migrations.Apply(ctx, db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	if err := db.Close(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("close postgres migration handle: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return fmt.Errorf("trace is required")
	}

	row := normalizeTrace(trace)
	args, err := insertArgs(row)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(traceColumns))
	for i := range traceColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := "INSERT INTO traces (" + strings.Join(traceColumns, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("create trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateTrace(ctx context.Context, id string, update *Update) error {
	assignments, err := update.assignments()
	if err != nil {
		return fmt.Errorf("update trace %q: %w", id, err)
	}

	b := newPostgresWhereBuilder()
	sets := make([]string, 0, len(assignments)+1)
	for _, assignment := range assignments {
		value := assignment.value
		if assignment.json {
			value = nullIfEmpty(value.(string))
		}
		sets = append(sets, assignment.column+" = "+b.addArg(value))
	}
	sets = append(sets, "updated_at = "+b.addArg(time.Now().UTC()))

	b.addComparison("id", "=", id)
	if update != nil && len(update.ExpectStatuses) > 0 {
		b.addCondition("status = ANY(" + b.addArg(statusStrings(update.ExpectStatuses)) + ")")
	}

	query := "UPDATE traces SET " + strings.Join(sets, ", ") + " WHERE " + b.where()
	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("update trace %q: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.explainMissedWrite(ctx, id)
}

func (s *PostgresStore) explainMissedWrite(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM traces WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read trace %q status: %w", id, err)
	}
	return fmt.Errorf("%w: current status %s", ErrStatusConflict, status)
}

func (s *PostgresStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+postgresSelectColumns+" FROM traces WHERE id = $1 LIMIT 1", id)
	item, err := scanPostgresTraceRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return item, nil
}

// DeleteTrace removes events explicitly as well as through the cascade so
// the outcome does not depend on constraint configuration.
func (s *PostgresStore) DeleteTrace(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin postgres delete transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM trace_events WHERE trace_id = $1`, id); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("delete events for trace %q: %w", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM traces WHERE id = $1`, id)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("delete trace %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postgres delete transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	limit := normalizeLimit(filter.Limit)

	b, err := buildPostgresTraceWhere(filter)
	if err != nil {
		return nil, err
	}
	limitPlaceholder := b.addArg(limit + 1)

	query := "SELECT " + postgresSelectColumns + " FROM traces WHERE " + b.where() + " ORDER BY created_at DESC, id DESC LIMIT " + limitPlaceholder
	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit+1)
	for rows.Next() {
		item, err := scanPostgresTraceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}

	items, cursor := nextCursor(items, limit)
	return &TraceResult{
		Items:      items,
		NextCursor: cursor,
	}, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	payload, err := EncodeBag(event.Payload)
	if err != nil {
		return fmt.Errorf("append event to trace %q: %w", event.TraceID, err)
	}
	createdAt := event.CreatedAt.UTC()
	if event.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin postgres append transaction: %w", err)
	}

	// The parent row lock serializes appends per trace so MAX(seq) is stable.
	var locked int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM traces WHERE id = $1 FOR UPDATE`, event.TraceID).Scan(&locked); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock trace %q for event append: %w", event.TraceID, err)
	}

	var seq int64
	err = tx.QueryRow(ctx, `
INSERT INTO trace_events (trace_id, seq, event_type, payload, created_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
FROM trace_events
WHERE trace_id = $1
RETURNING seq`,
		event.TraceID,
		string(event.Type),
		nullIfEmpty(payload),
		createdAt,
	).Scan(&seq)
	if err != nil {
		_ = tx.Rollback(ctx)
		if isPostgresForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("append event to trace %q: %w", event.TraceID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postgres append transaction: %w", err)
	}

	event.Seq = seq
	event.CreatedAt = createdAt
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, traceID string) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
SELECT trace_id, seq, event_type, COALESCE(payload::text, ''), created_at
FROM trace_events
WHERE trace_id = $1
ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list events for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	events := make([]*Event, 0, 8)
	for rows.Next() {
		var (
			event     Event
			eventType string
			payload   string
		)
		if err := rows.Scan(&event.TraceID, &event.Seq, &eventType, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		event.Type = EventType(eventType)
		event.Payload = DecodeBag(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) GetWindowStats(ctx context.Context, filter WindowFilter) (*WindowStats, error) {
	since, throughputSince := filter.Since.UTC(), filter.ThroughputSince.UTC()
	lower := since
	if throughputSince.Before(lower) {
		lower = throughputSince
	}

	row := s.pool.QueryRow(ctx, `
SELECT
    (SELECT COUNT(*) FROM traces WHERE status IN ('pending', 'streaming')),
    COUNT(*) FILTER (WHERE started_at >= $1),
    COUNT(*) FILTER (WHERE started_at >= $1 AND completed_at IS NOT NULL),
    COUNT(*) FILTER (WHERE started_at >= $1 AND status = 'error'),
    COALESCE(AVG(duration_ms) FILTER (WHERE started_at >= $1), 0)::float8,
    COUNT(*) FILTER (WHERE started_at >= $2)
FROM traces
WHERE started_at >= $3`,
		since,
		throughputSince,
		lower,
	)

	var stats WindowStats
	if err := row.Scan(
		&stats.ActiveCount,
		&stats.StartedCount,
		&stats.CompletedCount,
		&stats.ErrorCount,
		&stats.AvgDurationMS,
		&stats.ThroughputCount,
	); err != nil {
		return nil, fmt.Errorf("query window stats: %w", err)
	}
	return &stats, nil
}

const postgresSelectColumns = `
id,
user_id,
session_id,
source,
model,
prompt,
system_prompt,
COALESCE(parameters::text, ''),
status,
streaming,
response,
started_at,
completed_at,
duration_ms,
input_tokens,
output_tokens,
total_tokens,
input_cost_usd,
output_cost_usd,
total_cost_usd,
first_token_ms,
tokens_per_second,
quality_score,
user_rating,
error_message,
error_code,
langfuse_trace_id,
langfuse_observation_id,
COALESCE(metadata::text, ''),
created_at,
updated_at
`

func buildPostgresTraceWhere(filter TraceFilter) (*postgresWhereBuilder, error) {
	b := newPostgresWhereBuilder()

	if filter.UserID != "" {
		b.addComparison("user_id", "=", filter.UserID)
	}
	if filter.SessionID != "" {
		b.addComparison("session_id", "=", filter.SessionID)
	}
	if filter.Source != "" {
		b.addComparison("source", "=", string(filter.Source))
	}
	if filter.Model != "" {
		b.addComparison("model", "=", filter.Model)
	}
	if len(filter.Statuses) > 0 {
		b.addCondition("status = ANY(" + b.addArg(statusStrings(filter.Statuses)) + ")")
	}
	if !filter.From.IsZero() {
		b.addComparison("started_at", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		b.addComparison("started_at", "<=", filter.To.UTC())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeTraceCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		createdAtArg := b.addArg(createdAt)
		idArg := b.addArg(id)
		b.addCondition("(created_at < " + createdAtArg + " OR (created_at = " + createdAtArg + " AND id < " + idArg + "))")
	}

	return b, nil
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 8),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) addCondition(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func scanPostgresTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item            Trace
		source          string
		status          string
		parameters      string
		metadata        string
		completedAt     *time.Time
		durationMS      *int64
		inputTokens     *int64
		outputTokens    *int64
		totalTokens     *int64
		inputCost       *float64
		outputCost      *float64
		totalCost       *float64
		firstTokenMS    *int64
		tokensPerSecond *float64
		qualityScore    *float64
		userRating      *int32
	)

	if err := scanner.Scan(
		&item.ID,
		&item.UserID,
		&item.SessionID,
		&source,
		&item.Model,
		&item.Prompt,
		&item.SystemPrompt,
		&parameters,
		&status,
		&item.Streaming,
		&item.Response,
		&item.StartedAt,
		&completedAt,
		&durationMS,
		&inputTokens,
		&outputTokens,
		&totalTokens,
		&inputCost,
		&outputCost,
		&totalCost,
		&firstTokenMS,
		&tokensPerSecond,
		&qualityScore,
		&userRating,
		&item.ErrorMessage,
		&item.ErrorCode,
		&item.LangfuseTraceID,
		&item.LangfuseObservationID,
		&metadata,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}

	item.Source = Source(source)
	item.Status = Status(status)
	item.Parameters = DecodeBag(parameters)
	item.Metadata = DecodeBag(metadata)
	item.StartedAt = item.StartedAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	if completedAt != nil {
		value := completedAt.UTC()
		item.CompletedAt = &value
	}
	item.DurationMS = durationMS
	item.Tokens = tokensFromColumns(inputTokens, outputTokens, totalTokens)
	item.Cost = costFromColumns(inputCost, outputCost, totalCost)
	item.FirstTokenMS = firstTokenMS
	item.TokensPerSecond = tokensPerSecond
	item.QualityScore = qualityScore
	if userRating != nil {
		rating := int(*userRating)
		item.UserRating = &rating
	}

	return &item, nil
}

func isPostgresForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
