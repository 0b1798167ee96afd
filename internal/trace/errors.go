package trace

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store error classes used in logs and failure counters.
const (
	StoreErrorClassConnection = "connection"
	StoreErrorClassTimeout    = "timeout"
	StoreErrorClassContention = "contention"
	StoreErrorClassConstraint = "constraint"
	StoreErrorClassUnknown    = "unknown"
)

// ClassifyStoreError maps a store failure to a coarse class so operators can
// alert on categories instead of driver-specific messages.
func ClassifyStoreError(err error) string {
	if err == nil {
		return StoreErrorClassUnknown
	}

	// Timeout before connection: net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StoreErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StoreErrorClassTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if class := classifyPostgresCode(pgErr.Code); class != "" {
			return class
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return StoreErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return StoreErrorClassConnection
	}

	// Drivers often flatten errors to strings.
	msg := strings.ToLower(err.Error())

	if isConnectionString(msg) {
		return StoreErrorClassConnection
	}
	if isTimeoutString(msg) {
		return StoreErrorClassTimeout
	}
	if isContentionString(msg) {
		return StoreErrorClassContention
	}
	if isConstraintString(msg) {
		return StoreErrorClassConstraint
	}

	return StoreErrorClassUnknown
}

func classifyPostgresCode(code string) string {
	switch {
	case strings.HasPrefix(code, "08"):
		return StoreErrorClassConnection
	case code == "57014":
		return StoreErrorClassTimeout
	case code == "40001" || code == "40P01" || code == "55P03":
		return StoreErrorClassContention
	case strings.HasPrefix(code, "23"):
		return StoreErrorClassConstraint
	default:
		return ""
	}
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isContentionString(msg string) bool {
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked")
}

func isConstraintString(msg string) bool {
	return strings.Contains(msg, "violates foreign key constraint") ||
		strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "violates check constraint") ||
		strings.Contains(msg, "foreign key constraint failed") ||
		strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
