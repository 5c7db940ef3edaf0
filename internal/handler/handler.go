// Package handler implements the single request router shared by the
// legacy JSON HTTP surface (internal/httpapi) and the bencoded peer RPC
// surface (internal/transport): encoding-agnostic validation, dispatch
// against the message store, subscription notification, and best-effort
// cross-swarm replication.
package handler

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/debuglog"
	"github.com/oxen-io/storagesvc/internal/message"
	"github.com/oxen-io/storagesvc/internal/metrics"
	"github.com/oxen-io/storagesvc/internal/oracle"
	"github.com/oxen-io/storagesvc/internal/pow"
	"github.com/oxen-io/storagesvc/internal/ratelimit"
	"github.com/oxen-io/storagesvc/internal/statsgate"
	"github.com/oxen-io/storagesvc/internal/store"
	"github.com/oxen-io/storagesvc/internal/subscribe"
	"github.com/oxen-io/storagesvc/internal/swarm"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

// Replicator fans a mutation out to one co-swarm peer. Replicate is
// best-effort: failures are logged by the caller, never surfaced to the
// client that triggered the mutation (§4.F point 5).
type Replicator interface {
	Replicate(ctx context.Context, peer swarm.Peer, method string, args bencode.Dict) error
}

// Handler wires together every subsystem the request router consults.
type Handler struct {
	Store         *store.Store
	Swarm         *swarm.Map
	Subscriptions *subscribe.Registry
	PoW           pow.Validator
	Account       account.Codec
	Oracle        oracle.Client
	RateLimit     *ratelimit.Limiter
	Metrics       *metrics.Metrics
	Replicator    Replicator
	StatsGate     *statsgate.Gate

	// LocalNodeID excludes this node from the replication fan-out list
	// (a node never replicates to itself).
	LocalNodeID [32]byte

	Now func() time.Time
}

func New(deps Handler) *Handler {
	h := deps
	if h.Now == nil {
		h.Now = time.Now
	}
	return &h
}

// Handle is the single entry point both transports call: parse, check
// swarm assignment, rate-limit, validate, execute, notify, replicate.
func (h *Handler) Handle(ctx context.Context, env Envelope) Response {
	reqID := uuid.New().String()

	acctKey, needsAccount := accountArgKey(env.Method)
	var acct account.Pubkey
	if needsAccount {
		raw, ok := env.Args.Bytes(acctKey)
		if !ok || len(raw) == 0 {
			return fail(newErr(BadRequest, "missing %s", acctKey))
		}
		parsed, err := h.Account.Parse(raw)
		if err != nil {
			return fail(newErr(BadRequest, "invalid account: %v", err))
		}
		acct = parsed
		env.CallerAccount = acct.String()

		if resp, handled := h.checkSwarm(acct, env.Forwarded); handled {
			return resp
		}
	}

	limitKey := env.CallerAccount
	if limitKey == "" {
		limitKey = env.CallerIP
	}
	if limitKey != "" && h.RateLimit != nil && !h.RateLimit.Allow(limitKey) {
		if h.Metrics != nil {
			h.Metrics.IncRateLimited()
		}
		return fail(newErr(RateLimited, "rate limit exceeded"))
	}

	var resp Response
	switch env.Method {
	case "store":
		resp = h.handleStore(ctx, acct, env)
	case "retrieve":
		resp = h.handleRetrieve(acct, env)
	case "delete":
		resp = h.handleDelete(ctx, acct, env)
	case "delete_all":
		resp = h.handleDeleteAll(ctx, acct, env)
	case "delete_before":
		resp = h.handleDeleteBefore(ctx, acct, env)
	case "expire":
		resp = h.handleExpire(ctx, acct, env)
	case "get_expiries":
		resp = h.handleGetExpiries(acct, env)
	case "info":
		resp = h.handleInfo()
	case "oxend_request":
		resp = h.handleOxendRequest(ctx, env)
	case "monitor.messages":
		resp = h.handleMonitorMessages(env)
	case "get_stats":
		resp = h.handleGetStats(env)
	case "get_logs":
		resp = h.handleGetLogs(env)
	default:
		resp = fail(newErr(NotFound, "unrecognized method %q", env.Method))
	}

	debuglog.RateLimitedf("handler:"+env.Method, 5*time.Second,
		"req=%s method=%s account=%s ok=%v", reqID, env.Method, env.CallerAccount, resp.Err == nil)
	return resp
}

// accountArgKey reports the envelope key a method expects its account
// address under, and whether the method requires one at all (info and
// oxend_request address no account; monitor.messages derives its
// account from p/P and is checked separately).
func accountArgKey(method string) (string, bool) {
	switch method {
	case "store", "retrieve", "delete", "delete_all", "delete_before", "expire", "get_expiries":
		return "account", true
	default:
		return "", false
	}
}

// checkSwarm implements §4.F point 2: a request for an account not
// locally owned is redirected to the correct swarm's peers (421) unless
// it was already forwarded once, in which case a second mismatch means
// the swarm map disagrees between nodes and is surfaced as a server
// error rather than looped forever.
func (h *Handler) checkSwarm(acct account.Pubkey, forwarded bool) (Response, bool) {
	if h.Swarm == nil {
		return Response{}, false
	}
	owner := h.Swarm.SwarmOf(acct)
	if owner == h.Swarm.LocalSwarm() {
		return Response{}, false
	}
	if h.Metrics != nil {
		h.Metrics.IncWrongSwarm()
	}
	if forwarded {
		return fail(newErr(Internal, "swarm assignment mismatch on a forwarded request")), true
	}
	return fail(&Error{Kind: WrongSwarm, Message: "account belongs to a different swarm", Peers: h.Swarm.PeersOf(owner)}), true
}

// replicate fans a mutation out to every co-swarm peer other than this
// node. Best-effort: a failed peer is logged and skipped, never
// surfaced to the client (§4.F point 5).
func (h *Handler) replicate(ctx context.Context, acct account.Pubkey, method string, args bencode.Dict) {
	if h.Replicator == nil || h.Swarm == nil {
		return
	}
	peers := h.Swarm.PeersOf(h.Swarm.SwarmOf(acct))
	for _, p := range peers {
		if p.NodeID == h.LocalNodeID {
			continue
		}
		peer := p
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.Replicator.Replicate(rctx, peer, method, args); err != nil {
				if h.Metrics != nil {
					h.Metrics.IncReplicateFailed()
				}
				debuglog.RateLimitedf("replicate:"+method, 5*time.Second,
					"replication to %s failed: %v", peer.Addr, err)
				return
			}
			if h.Metrics != nil {
				h.Metrics.IncReplicated()
			}
		}()
	}
	_ = ctx
}

// derivedSigner resolves the Ed25519 key that must have produced a
// mutating request's signature: either the account's own master key
// (proved by account.Codec.Authorizes) or a subkey accompanied by a
// valid SubkeyAuth delegation from the master key, per §4.F's accepted
// keys and the project's subkey scheme (spec §3 / SPEC_FULL §3).
func (h *Handler) derivedSigner(acct account.Pubkey, args bencode.Dict) (ed25519.PublicKey, *Error) {
	masterRaw, hasMaster := args.Bytes("pubkey")
	if !hasMaster || len(masterRaw) != ed25519.PublicKeySize {
		return nil, newErr(BadRequest, "missing or malformed pubkey")
	}
	masterPub := ed25519.PublicKey(masterRaw)

	subkeyRaw, hasSubkey := args.Bytes("subkey_pub")
	if !hasSubkey {
		if !h.Account.Authorizes(acct, masterPub) {
			return nil, newErr(Unauthorized, "pubkey does not authorize account")
		}
		return masterPub, nil
	}

	tagRaw, hasTag := args.Bytes("subkey_tag")
	sigRaw, hasSig := args.Bytes("subkey_sig")
	if !hasTag || !hasSig || len(tagRaw) != account.SubkeyTagSize || len(subkeyRaw) != ed25519.PublicKeySize {
		return nil, newErr(BadRequest, "malformed subkey delegation")
	}
	if !h.Account.Authorizes(acct, masterPub) {
		return nil, newErr(Unauthorized, "pubkey does not authorize account")
	}
	var tag [account.SubkeyTagSize]byte
	copy(tag[:], tagRaw)
	auth := account.SubkeyAuth{Tag: tag, SubkeyPub: ed25519.PublicKey(subkeyRaw), Signature: sigRaw}
	if !account.VerifySubkeyAuth(acct, masterPub, auth) {
		return nil, newErr(Unauthorized, "subkey delegation does not verify")
	}
	return auth.SubkeyPub, nil
}

// checkSkew rejects requests whose carried timestamp (seconds) is more
// than message.MaxTimestampSkew away from wall clock, the same bound
// §4.F point 3 applies to every signed mutating endpoint.
func (h *Handler) checkSkew(tsSeconds int64) *Error {
	ts := time.Unix(tsSeconds, 0)
	skew := h.Now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > message.MaxTimestampSkew {
		return newErr(Unauthorized, "timestamp skew %s exceeds bound", skew)
	}
	return nil
}
