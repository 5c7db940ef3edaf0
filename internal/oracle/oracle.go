// Package oracle defines the read-only external collaborator that
// publishes swarm membership: the blockchain daemon. The node treats it
// purely as a source of (node_id, pubkey, ip, port, swarm_id) records and
// never writes back to it except to proxy client-initiated oxend_request
// calls.
package oracle

import (
	"context"

	"github.com/oxen-io/storagesvc/internal/swarm"
)

// Client is implemented by whatever talks to the blockchain daemon. A
// staleness-tolerant implementation is expected: Snapshot may return the
// previous successfully-fetched value on a transient failure rather than
// erroring, since the scheduler reuses the last snapshot when the oracle
// is unreachable (see §4.H / §7).
type Client interface {
	// Snapshot returns the current swarm membership list together with a
	// monotonically increasing version; the scheduler only calls Update
	// when the version has advanced.
	Snapshot(ctx context.Context) (swarm.Snapshot, uint64, error)

	// Request proxies an arbitrary oxend RPC call on behalf of a client
	// (the oxend_request endpoint in §4.F).
	Request(ctx context.Context, method string, params []byte) ([]byte, error)
}
