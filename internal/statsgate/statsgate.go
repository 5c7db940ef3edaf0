// Package statsgate authorizes get_stats/get_logs introspection calls
// against a configured set of peer pubkeys, per §4.I: an unauthorized
// caller gets 403 with no body disclosure.
package statsgate

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/oxen-io/storagesvc/internal/metrics"
)

// Gate holds the set of pubkeys (hex-encoded in config) permitted to
// call get_stats/get_logs.
type Gate struct {
	allowed map[string]bool
}

// New builds a Gate from hex-encoded pubkeys; a malformed entry is
// skipped rather than rejected outright, since config validation
// already rejects bad hex before it reaches here.
func New(authorizedHex []string) *Gate {
	allowed := make(map[string]bool, len(authorizedHex))
	for _, h := range authorizedHex {
		if _, err := hex.DecodeString(h); err != nil {
			continue
		}
		allowed[h] = true
	}
	return &Gate{allowed: allowed}
}

// Authorize reports whether callerPub may use an introspection
// endpoint. An empty allow-list denies everyone.
func (g *Gate) Authorize(callerPub ed25519.PublicKey) bool {
	if len(g.allowed) == 0 {
		return false
	}
	return g.allowed[hex.EncodeToString(callerPub)]
}

// Stats is the get_stats response shape.
type Stats struct {
	Store     metrics.StoreMetrics     `json:"store"`
	Transport metrics.TransportMetrics `json:"transport"`
	Subscribe metrics.SubscribeMetrics `json:"subscribe"`
}

// BuildStats assembles the get_stats payload from a metrics snapshot.
func BuildStats(snap metrics.Snapshot) Stats {
	return Stats{Store: snap.Store, Transport: snap.Transport, Subscribe: snap.Subscribe}
}

// Logs is the get_logs response shape.
type Logs struct {
	Lines []metrics.LogLine `json:"lines"`
}

// BuildLogs assembles the get_logs payload from the bounded recent-log ring.
func BuildLogs(recent *metrics.RecentLog) Logs {
	return Logs{Lines: recent.List()}
}
