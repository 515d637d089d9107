package fallback

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a remote-call failure. Blocked covers network-level
// interference (ad-blockers, DNS refusal), which presents differently from
// an ordinary timeout and must never be surfaced as a user-facing error.
type Kind string

const (
	Blocked          Kind = "blocked"
	PermissionDenied Kind = "permission_denied"
	Timeout          Kind = "timeout"
	Other            Kind = "other"
)

func Classify(err error) Kind {
	if err == nil {
		return Other
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501": // insufficient_privilege
			return PermissionDenied
		case "57014": // query_canceled
			return Timeout
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return Blocked
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "err_blocked_by_client"), strings.Contains(msg, "blocked"):
		return Blocked
	case strings.Contains(msg, "permission-denied"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "missing or insufficient permissions"):
		return PermissionDenied
	case strings.Contains(msg, "deadline-exceeded"), strings.Contains(msg, "timeout"):
		return Timeout
	default:
		return Other
	}
}
