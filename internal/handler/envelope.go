package handler

import (
	"crypto/ed25519"

	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

// Envelope is the transport-agnostic inbound request: internal/httpapi
// builds one from the legacy JSON surface's headers/body, and the peer
// dispatcher in cmd/storagesvcd builds one from a "storage.<method>"
// bencode dict decoded by internal/transport.
// Handle never sees encoding-specific types, matching spec.md §4.F
// point 1.
type Envelope struct {
	Method string
	Args   bencode.Dict

	// Forwarded is true when a peer is relaying this request on behalf
	// of a client that reached the wrong swarm member; a second
	// wrong-swarm mismatch on a forwarded request is a server bug, not
	// a redirect, per §4.F point 2's loop-prevention rule.
	Forwarded bool

	// CallerIP and CallerAccount key the rate limiter; CallerAccount is
	// empty for methods with no account argument (info, oxend_request).
	CallerIP      string
	CallerAccount string

	// CallerPub is the Ed25519 identity the peer transport's Hello
	// handshake authenticated the connection against. It is the sole
	// authorization input for get_stats/get_logs, which are only ever
	// reached over the peer RPC surface (left nil for HTTP callers).
	CallerPub ed25519.PublicKey

	// ConnectionHandle identifies the transport-level connection this
	// request arrived on, used by monitor.messages registrations and
	// left empty for HTTP callers (the legacy surface has no push
	// channel to register against).
	ConnectionHandle string
}

// Response is the transport-agnostic outcome: on success Result carries
// the method-specific reply fields, on failure Err names the kind the
// outer frame maps to a wire status.
type Response struct {
	Result bencode.Dict
	Err    *Error
}

func ok(result bencode.Dict) Response {
	if result == nil {
		result = bencode.Dict{}
	}
	return Response{Result: result}
}

func fail(err *Error) Response {
	return Response{Err: err}
}
