package handler

import (
	"fmt"

	"github.com/oxen-io/storagesvc/internal/swarm"
)

// Kind is one of the wire-contract error kinds. Replaces the source's
// exception hierarchy (REDESIGN FLAG "Exceptions across handler
// boundaries"): every validation step returns a typed *Error or a
// validated argument struct, never a panic, and only the outermost
// frame (internal/httpapi or the peer dispatcher in cmd/storagesvcd) maps it to a
// wire-level status.
type Kind string

const (
	BadRequest          Kind = "bad_request"
	Unauthorized        Kind = "unauthorized"
	Forbidden           Kind = "forbidden"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	WrongSwarm          Kind = "wrong_swarm"
	RateLimited         Kind = "rate_limited"
	StorageFull         Kind = "storage_full"
	UpstreamUnavailable Kind = "upstream_unavailable"
	Timeout             Kind = "timeout"
	Internal            Kind = "internal"
)

// Error is the one typed error every handler code path returns instead
// of panicking or throwing across a package boundary.
type Error struct {
	Kind    Kind
	Message string

	// Peers carries the correct swarm's membership for a WrongSwarm
	// error so the caller can retry against it directly.
	Peers []swarm.Peer
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps a Kind to the legacy JSON surface's status code, per
// spec §7 / §6.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest:
		return 400
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case WrongSwarm:
		return 421
	case RateLimited:
		return 429
	case StorageFull:
		return 507
	case UpstreamUnavailable:
		return 503
	case Timeout:
		return 504
	default:
		return 500
	}
}
