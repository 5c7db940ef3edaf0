package handler

import (
	"crypto/ed25519"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/message"
	"github.com/oxen-io/storagesvc/internal/subscribe"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

// monitor.messages reply errcodes, from original_source/oxenss/server/omq.h.
const (
	errInvalidArguments = 1
	errInvalidPubkey    = 2
	errInvalidNamespace = 3
	errInvalidTimestamp = 4
	errSignatureFailed  = 5
	errWrongSwarm       = 6
)

func monitorFail(code int64, msg string) bencode.Dict {
	return bencode.Dict{"errcode": code, "error": msg}
}

var monitorMainnetCodec = account.NewCodec(account.Mainnet)

// handleMonitorMessages implements §6's monitor.messages registration.
// Unlike every other method it carries its own success/errcode reply
// convention rather than the generic §7 Kind scheme, matching the
// original protocol's in-band reply body exactly; Handle never sets
// Response.Err for this method.
func (h *Handler) handleMonitorMessages(env Envelope) Response {
	var acct account.Pubkey
	var signerPub ed25519.PublicKey

	if p, has := env.Args.Bytes("p"); has {
		parsed, err := account.NewCodec(account.Mainnet).Parse(p)
		if err != nil {
			return ok(monitorFail(errInvalidPubkey, "invalid pubkey"))
		}
		acct = parsed
		signerPub = ed25519.PublicKey(p[1:])
	} else if bigP, has := env.Args.Bytes("P"); has {
		if len(bigP) != ed25519.PublicKeySize {
			return ok(monitorFail(errInvalidPubkey, "invalid pubkey"))
		}
		derived, err := monitorMainnetCodec.FromEd25519(ed25519.PublicKey(bigP))
		if err != nil {
			return ok(monitorFail(errInvalidPubkey, "invalid pubkey"))
		}
		acct = derived
		signerPub = ed25519.PublicKey(bigP)
	} else {
		return ok(monitorFail(errInvalidArguments, "missing p or P"))
	}

	if sub, has := env.Args.Bytes("S"); has {
		if len(sub) != ed25519.PublicKeySize {
			return ok(monitorFail(errInvalidArguments, "malformed subkey"))
		}
		signerPub = ed25519.PublicKey(sub)
	}

	nsRaw, hasNS := env.Args.List("n")
	if !hasNS || len(nsRaw) == 0 {
		return ok(monitorFail(errInvalidNamespace, "missing namespaces"))
	}
	namespaces := make([]int64, 0, len(nsRaw))
	seen := make(map[int64]bool, len(nsRaw))
	for _, v := range nsRaw {
		n, ok2 := v.(int64)
		if !ok2 {
			if i, ok3 := v.(int); ok3 {
				n = int64(i)
			} else {
				return ok(monitorFail(errInvalidNamespace, "invalid namespace value"))
			}
		}
		if n < -32768 || n > 32767 || seen[n] {
			return ok(monitorFail(errInvalidNamespace, "invalid or duplicate namespace"))
		}
		seen[n] = true
		if len(namespaces) > 0 && n <= namespaces[len(namespaces)-1] {
			return ok(monitorFail(errInvalidNamespace, "namespaces must be sorted ascending"))
		}
		namespaces = append(namespaces, n)
	}

	wantData, _ := env.Args.Bool("d")

	ts, hasTS := env.Args.Int("t")
	if !hasTS {
		return ok(monitorFail(errInvalidTimestamp, "missing timestamp"))
	}
	if err := h.checkSkew(ts); err != nil {
		return ok(monitorFail(errInvalidTimestamp, "timestamp out of range"))
	}

	sig, hasSig := env.Args.Bytes("s")
	if !hasSig || len(sig) != ed25519.SignatureSize {
		return ok(monitorFail(errSignatureFailed, "missing signature"))
	}
	msg := monitorMessagesSigMessage(acct.String(), ts, wantData, namespaces)
	if !ed25519.Verify(signerPub, msg, sig) {
		return ok(monitorFail(errSignatureFailed, "signature failed to validate"))
	}

	if h.Swarm != nil {
		if h.Swarm.SwarmOf(acct) != h.Swarm.LocalSwarm() {
			return ok(monitorFail(errWrongSwarm, "pubkey is not stored by this service node's swarm"))
		}
	}

	nsSet := make(map[message.Namespace]bool, len(namespaces))
	for _, n := range namespaces {
		nsSet[message.Namespace(n)] = true
	}
	if h.Subscriptions != nil {
		h.Subscriptions.Register(subscribe.Subscription{
			Account:          acct,
			ConnectionHandle: env.ConnectionHandle,
			Namespaces:       nsSet,
			WantData:         wantData,
		})
		if h.Metrics != nil {
			h.Metrics.IncRegistered()
		}
	}

	return ok(bencode.Dict{"success": int64(1)})
}
