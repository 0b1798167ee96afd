package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/promptlab/promptlab/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY under concurrent requests.
	writeMu sync.Mutex
}

var _ TraceStore = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	// foreign_keys is per connection, so it rides on the DSN for every pooled conn.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for migration tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return fmt.Errorf("trace is required")
	}

	row := normalizeTrace(trace)
	args, err := insertArgs(row)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(traceColumns)), ", ")
	query := "INSERT INTO traces (" + strings.Join(traceColumns, ", ") + ") VALUES (" + placeholders + ")"

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("create trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTrace(ctx context.Context, id string, update *Update) error {
	assignments, err := update.assignments()
	if err != nil {
		return fmt.Errorf("update trace %q: %w", id, err)
	}

	sets := make([]string, 0, len(assignments)+1)
	args := make([]any, 0, len(assignments)+4)
	for _, assignment := range assignments {
		sets = append(sets, assignment.column+" = ?")
		value := assignment.value
		if assignment.json {
			value = nullIfEmpty(value.(string))
		}
		args = append(args, value)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := "UPDATE traces SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if update != nil && len(update.ExpectStatuses) > 0 {
		query += " AND status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(update.ExpectStatuses)), ", ") + ")"
		for _, status := range statusStrings(update.ExpectStatuses) {
			args = append(args, status)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err = retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update trace %q: %w", id, err)
	}
	if affected > 0 {
		return nil
	}
	return s.explainMissedWrite(ctx, id)
}

// explainMissedWrite distinguishes a missing row from a status guard miss.
func (s *SQLiteStore) explainMissedWrite(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM traces WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read trace %q status: %w", id, err)
	}
	return fmt.Errorf("%w: current status %s", ErrStatusConflict, status)
}

func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteSelectColumns+" FROM traces WHERE id = ? LIMIT 1", id)
	item, err := scanSQLiteTraceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) DeleteTrace(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite delete transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, `DELETE FROM trace_events WHERE trace_id = ?`, id); err != nil {
			return fmt.Errorf("delete trace events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM traces WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete trace row: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read delete row count: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite delete transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete trace %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	limit := normalizeLimit(filter.Limit)

	whereSQL, args, err := buildSQLiteTraceWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + sqliteSelectColumns + " FROM traces WHERE " + whereSQL + " ORDER BY created_at DESC, id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit+1)
	for rows.Next() {
		item, err := scanSQLiteTraceRow(rows)
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

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var seq int64
	err = retrySQLiteBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
INSERT INTO trace_events (trace_id, seq, event_type, payload, created_at)
SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
FROM trace_events
WHERE trace_id = ?
RETURNING seq`,
			event.TraceID,
			string(event.Type),
			nullIfEmpty(payload),
			createdAt,
			event.TraceID,
		).Scan(&seq)
	})
	if err != nil {
		if isSQLiteForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("append event to trace %q: %w", event.TraceID, err)
	}

	event.Seq = seq
	event.CreatedAt = createdAt
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, traceID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT trace_id, seq, event_type, payload, CAST(created_at AS TEXT)
FROM trace_events
WHERE trace_id = ?
ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list events for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	events := make([]*Event, 0, 8)
	for rows.Next() {
		var (
			event         Event
			eventType     string
			payload       sql.NullString
			createdAtText sql.NullString
		)
		if err := rows.Scan(&event.TraceID, &event.Seq, &eventType, &payload, &createdAtText); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		event.Type = EventType(eventType)
		if payload.Valid {
			event.Payload = DecodeBag(payload.String)
		}
		if createdAtText.Valid {
			parsed, err := parseSQLiteTimestamp(createdAtText.String)
			if err != nil {
				return nil, fmt.Errorf("parse event created_at %q: %w", createdAtText.String, err)
			}
			event.CreatedAt = parsed
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) GetWindowStats(ctx context.Context, filter WindowFilter) (*WindowStats, error) {
	since, throughputSince := filter.Since.UTC(), filter.ThroughputSince.UTC()
	lower := since
	if throughputSince.Before(lower) {
		lower = throughputSince
	}

	row := s.db.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM traces WHERE status IN ('pending', 'streaming')),
    COALESCE(SUM(CASE WHEN started_at >= ? THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN started_at >= ? AND completed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN started_at >= ? AND status = 'error' THEN 1 ELSE 0 END), 0),
    COALESCE(AVG(CASE WHEN started_at >= ? THEN duration_ms END), 0),
    COALESCE(SUM(CASE WHEN started_at >= ? THEN 1 ELSE 0 END), 0)
FROM traces
WHERE started_at >= ?`,
		since,
		since,
		since,
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

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy absorbs lock contention inside the driver. This is local
// lock waiting, not a retry of a failed store operation.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func isSQLiteForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

const sqliteSelectColumns = `
id,
user_id,
session_id,
source,
model,
prompt,
system_prompt,
parameters,
status,
streaming,
response,
CAST(started_at AS TEXT),
CAST(completed_at AS TEXT),
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
metadata,
CAST(created_at AS TEXT),
CAST(updated_at AS TEXT)
`

func buildSQLiteTraceWhere(filter TraceFilter) (string, []any, error) {
	where := make([]string, 0, 8)
	args := make([]any, 0, 8)

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(filter.Statuses)), ", ")+")")
		for _, status := range statusStrings(filter.Statuses) {
			args = append(args, status)
		}
	}
	if !filter.From.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "started_at <= ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeTraceCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt, createdAt, id)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func scanSQLiteTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item            Trace
		source          string
		status          string
		parameters      sql.NullString
		streaming       int64
		startedAtText   sql.NullString
		completedAtText sql.NullString
		durationMS      sql.NullInt64
		inputTokens     sql.NullInt64
		outputTokens    sql.NullInt64
		totalTokens     sql.NullInt64
		inputCost       sql.NullFloat64
		outputCost      sql.NullFloat64
		totalCost       sql.NullFloat64
		firstTokenMS    sql.NullInt64
		tokensPerSecond sql.NullFloat64
		qualityScore    sql.NullFloat64
		userRating      sql.NullInt64
		metadata        sql.NullString
		createdAtText   sql.NullString
		updatedAtText   sql.NullString
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
		&streaming,
		&item.Response,
		&startedAtText,
		&completedAtText,
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
		&createdAtText,
		&updatedAtText,
	); err != nil {
		return nil, err
	}

	item.Source = Source(source)
	item.Status = Status(status)
	item.Streaming = streaming != 0
	if parameters.Valid {
		item.Parameters = DecodeBag(parameters.String)
	}
	if metadata.Valid {
		item.Metadata = DecodeBag(metadata.String)
	}

	var err error
	if item.StartedAt, err = parseSQLiteNullTimestamp(startedAtText); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if item.CreatedAt, err = parseSQLiteNullTimestamp(createdAtText); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if item.UpdatedAt, err = parseSQLiteNullTimestamp(updatedAtText); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAtText.Valid && strings.TrimSpace(completedAtText.String) != "" {
		completedAt, err := parseSQLiteTimestamp(completedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at %q: %w", completedAtText.String, err)
		}
		item.CompletedAt = &completedAt
	}

	item.DurationMS = int64Ptr(durationMS)
	item.Tokens = tokensFromColumns(int64Ptr(inputTokens), int64Ptr(outputTokens), int64Ptr(totalTokens))
	item.Cost = costFromColumns(float64Ptr(inputCost), float64Ptr(outputCost), float64Ptr(totalCost))
	item.FirstTokenMS = int64Ptr(firstTokenMS)
	item.TokensPerSecond = float64Ptr(tokensPerSecond)
	item.QualityScore = float64Ptr(qualityScore)
	if userRating.Valid {
		rating := int(userRating.Int64)
		item.UserRating = &rating
	}

	return &item, nil
}

func int64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func float64Ptr(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}

func parseSQLiteNullTimestamp(raw sql.NullString) (time.Time, error) {
	if !raw.Valid {
		return time.Time{}, nil
	}
	return parseSQLiteTimestamp(raw.String)
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}
