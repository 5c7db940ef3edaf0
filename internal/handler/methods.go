package handler

import (
	"context"
	"crypto/ed25519"
	"strconv"
	"time"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/message"
	"github.com/oxen-io/storagesvc/internal/store"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

func (h *Handler) handleStore(ctx context.Context, acct account.Pubkey, env Envelope) Response {
	data, _ := env.Args.Bytes("data")
	nsInt, _ := env.Args.Int("namespace")
	tsMS, hasTS := env.Args.Int("timestamp_ms")
	if !hasTS {
		return fail(newErr(BadRequest, "missing timestamp_ms"))
	}
	ttlMS, hasTTL := env.Args.Int("ttl_ms")
	if !hasTTL {
		return fail(newErr(BadRequest, "missing ttl_ms"))
	}
	nonce, _ := env.Args.Bytes("pow_nonce")
	recipientHex, _ := env.Args.String("recipient_hex")
	timestampStr, hasTSStr := env.Args.String("timestamp_str")
	if !hasTSStr {
		timestampStr = strconv.FormatInt(tsMS/1000, 10)
	}

	if !h.PoW.Validate(nonce, timestampStr, uint64(ttlMS/1000), recipientHex, data) {
		if h.Metrics != nil {
			h.Metrics.IncPoWRejected()
		}
		return fail(newErr(Forbidden, "Provided PoW nonce is not valid."))
	}

	msg, err := message.New(acct, message.Namespace(nsInt), data, tsMS, time.Duration(ttlMS)*time.Millisecond, h.Now())
	if err != nil {
		return fail(newErr(BadRequest, "%v", err))
	}

	onDup := store.Ignore
	if dup, ok := env.Args.String("on_duplicate"); ok && dup == "fail" {
		onDup = store.Fail
	}
	result, err := h.Store.Store(msg, onDup)
	if err != nil {
		return fail(newErr(Internal, "store: %v", err))
	}
	switch result.Outcome {
	case store.Rejected:
		if h.Metrics != nil {
			h.Metrics.IncStorageFull()
		}
		return fail(newErr(StorageFull, "%s", result.Reason))
	case store.Duplicate:
		if h.Metrics != nil {
			h.Metrics.IncDuplicate()
		}
		if onDup == store.Fail {
			return fail(newErr(Conflict, "duplicate hash"))
		}
	case store.Stored:
		if h.Metrics != nil {
			h.Metrics.IncStored()
		}
		if h.Subscriptions != nil {
			h.Subscriptions.Notify(msg)
		}
		h.replicate(ctx, acct, "sn.replicate", bencode.Dict{
			"account":      []byte(acct),
			"namespace":    int64(msg.Namespace),
			"data":         msg.Data,
			"timestamp_ms": msg.TimestampMS,
			"expiry_ms":    msg.ExpiryMS,
		})
	}

	return ok(bencode.Dict{
		"hash":      msg.Hash,
		"timestamp": msg.TimestampMS,
	})
}

func (h *Handler) handleRetrieve(acct account.Pubkey, env Envelope) Response {
	opts := store.RetrieveOptions{}
	if lastHash, has := env.Args.String("last_hash"); has {
		opts.LastHash = lastHash
	}
	if nsInt, has := env.Args.Int("namespace"); has {
		ns := message.Namespace(nsInt)
		opts.Namespace = &ns
	}
	if limit, has := env.Args.Int("limit"); has {
		opts.Limit = int(limit)
	}
	msgs, err := h.Store.Retrieve(acct, opts)
	if err != nil {
		return fail(newErr(Internal, "retrieve: %v", err))
	}
	if h.Metrics != nil {
		h.Metrics.IncRetrieved()
	}
	items := make([]any, len(msgs))
	for i, m := range msgs {
		items[i] = bencode.Dict{
			"hash":      m.Hash,
			"timestamp": m.TimestampMS,
			"data":      m.Data,
		}
	}
	return ok(bencode.Dict{"messages": items})
}

// verifyMutation pulls the timestamp common to the signed mutating
// endpoints, checks its skew, and verifies the signature over msg (the
// caller-built signed payload), returning a BadRequest/Unauthorized
// *Error on any mismatch.
func (h *Handler) verifyMutation(acct account.Pubkey, env Envelope, msg []byte) *Error {
	ts, hasTS := env.Args.Int("ts")
	if !hasTS {
		return newErr(BadRequest, "missing ts")
	}
	if err := h.checkSkew(ts); err != nil {
		return err
	}
	signerPub, signerErr := h.derivedSigner(acct, env.Args)
	if signerErr != nil {
		return signerErr
	}
	sig, hasSig := env.Args.Bytes("signature")
	if !hasSig || len(sig) != ed25519.SignatureSize {
		return newErr(BadRequest, "missing or malformed signature")
	}
	if !ed25519.Verify(signerPub, msg, sig) {
		return newErr(Unauthorized, "signature does not verify")
	}
	return nil
}

func hashList(args bencode.Dict) []string {
	raw, _ := args.List("hashes")
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []byte:
			out = append(out, string(t))
		}
	}
	return out
}

func (h *Handler) handleDelete(ctx context.Context, acct account.Pubkey, env Envelope) Response {
	ts, _ := env.Args.Int("ts")
	hashes := hashList(env.Args)
	if len(hashes) == 0 {
		return fail(newErr(BadRequest, "empty hashes"))
	}
	if err := h.verifyMutation(acct, env, deleteSigMessage(acct, ts, hashes)); err != nil {
		return fail(err)
	}
	deleted, err := h.Store.DeleteByHash(acct, hashes)
	if err != nil {
		return fail(newErr(Internal, "delete: %v", err))
	}
	h.replicate(ctx, acct, "storage.delete", env.Args)
	items := make([]any, len(deleted))
	for i, hh := range deleted {
		items[i] = hh
	}
	return ok(bencode.Dict{"deleted": items})
}

func (h *Handler) handleDeleteAll(ctx context.Context, acct account.Pubkey, env Envelope) Response {
	ts, _ := env.Args.Int("ts")
	if err := h.verifyMutation(acct, env, deleteAllSigMessage(acct, ts)); err != nil {
		return fail(err)
	}
	n, err := h.Store.DeleteAll(acct)
	if err != nil {
		return fail(newErr(Internal, "delete_all: %v", err))
	}
	h.replicate(ctx, acct, "storage.delete_all", env.Args)
	return ok(bencode.Dict{"deleted_count": n})
}

func (h *Handler) handleDeleteBefore(ctx context.Context, acct account.Pubkey, env Envelope) Response {
	ts, _ := env.Args.Int("ts")
	beforeMS, hasBefore := env.Args.Int("before_ms")
	if !hasBefore {
		return fail(newErr(BadRequest, "missing before_ms"))
	}
	if err := h.verifyMutation(acct, env, deleteBeforeSigMessage(acct, ts, beforeMS)); err != nil {
		return fail(err)
	}
	n, err := h.Store.DeleteBefore(acct, beforeMS)
	if err != nil {
		return fail(newErr(Internal, "delete_before: %v", err))
	}
	h.replicate(ctx, acct, "storage.delete_before", env.Args)
	return ok(bencode.Dict{"deleted_count": n})
}

func (h *Handler) handleExpire(ctx context.Context, acct account.Pubkey, env Envelope) Response {
	ts, _ := env.Args.Int("ts")
	newExpiryMS, hasExpiry := env.Args.Int("new_expiry_ms")
	if !hasExpiry {
		return fail(newErr(BadRequest, "missing new_expiry_ms"))
	}
	hashes := hashList(env.Args)
	if len(hashes) == 0 {
		return fail(newErr(BadRequest, "empty hashes"))
	}
	if err := h.verifyMutation(acct, env, expireSigMessage(acct, ts, newExpiryMS, hashes)); err != nil {
		return fail(err)
	}
	updated, err := h.Store.UpdateExpiry(acct, hashes, newExpiryMS)
	if err != nil {
		return fail(newErr(Internal, "expire: %v", err))
	}
	h.replicate(ctx, acct, "storage.expire", env.Args)
	items := make([]any, len(updated))
	for i, hh := range updated {
		items[i] = hh
	}
	return ok(bencode.Dict{"updated": items})
}

func (h *Handler) handleGetExpiries(acct account.Pubkey, env Envelope) Response {
	ts, _ := env.Args.Int("ts")
	hashes := hashList(env.Args)
	if len(hashes) == 0 {
		return fail(newErr(BadRequest, "empty hashes"))
	}
	if err := h.verifyMutation(acct, env, getExpiriesSigMessage(acct, ts, hashes)); err != nil {
		return fail(err)
	}
	expiries, err := h.Store.GetExpiries(acct, hashes)
	if err != nil {
		return fail(newErr(Internal, "get_expiries: %v", err))
	}
	out := make(bencode.Dict, len(expiries))
	for hh, exp := range expiries {
		out[hh] = exp
	}
	return ok(bencode.Dict{"expiries": out})
}

// ReceiveReplicated admits a message pushed by a co-swarm peer via
// sn.replicate. It skips PoW (the origin node already validated it) and
// silently ignores a duplicate, since replication races are expected
// whenever more than one swarm member accepts the same store request.
func (h *Handler) ReceiveReplicated(args bencode.Dict) error {
	rawAcct, _ := args.Bytes("account")
	acct, err := h.Account.Parse(rawAcct)
	if err != nil {
		return err
	}
	nsInt, _ := args.Int("namespace")
	data, _ := args.Bytes("data")
	tsMS, _ := args.Int("timestamp_ms")
	expiryMS, _ := args.Int("expiry_ms")

	msg := message.Message{
		Hash:        message.Hash(acct, message.Namespace(nsInt), tsMS, data),
		Account:     acct,
		Namespace:   message.Namespace(nsInt),
		Data:        data,
		TimestampMS: tsMS,
		ExpiryMS:    expiryMS,
	}
	result, err := h.Store.Store(msg, store.Ignore)
	if err != nil {
		return err
	}
	if result.Outcome == store.Stored && h.Subscriptions != nil {
		h.Subscriptions.Notify(msg)
	}
	return nil
}

func (h *Handler) handleInfo() Response {
	var local, maxPages int64
	if h.Swarm != nil {
		local = int64(h.Swarm.LocalSwarm())
	}
	if h.Store != nil {
		if used, err := h.Store.UsedPages(); err == nil {
			maxPages = used
		}
	}
	return ok(bencode.Dict{
		"swarm":      local,
		"used_pages": maxPages,
	})
}

// handleGetStats and handleGetLogs are only reachable over the peer RPC
// surface, where env.CallerPub carries the identity the connection's
// Hello handshake authenticated; an unauthorized or HTTP-originated
// caller gets 403 with no body disclosure, per §4.I.
func (h *Handler) handleGetStats(env Envelope) Response {
	if h.StatsGate == nil || !h.StatsGate.Authorize(env.CallerPub) {
		return fail(newErr(Forbidden, "not authorized"))
	}
	if h.Metrics == nil {
		return fail(newErr(Internal, "metrics not configured"))
	}
	snap := h.Metrics.Snapshot()
	return ok(bencode.Dict{
		"stored":        int64(snap.Store.Stored),
		"duplicate":     int64(snap.Store.Duplicate),
		"rejected":      int64(snap.Store.Rejected),
		"storage_full":  int64(snap.Store.StorageFull),
		"retrieved":     int64(snap.Store.Retrieved),
		"expired_swept": int64(snap.Store.ExpiredSwept),
		"pow_rejected":  int64(snap.Store.PoWRejected),
		"wrong_swarm":   int64(snap.Store.WrongSwarm),
		"rate_limited":  int64(snap.Store.RateLimited),
		"replicated":    int64(snap.Transport.Replicated),
	})
}

func (h *Handler) handleGetLogs(env Envelope) Response {
	if h.StatsGate == nil || !h.StatsGate.Authorize(env.CallerPub) {
		return fail(newErr(Forbidden, "not authorized"))
	}
	if h.Metrics == nil {
		return fail(newErr(Internal, "metrics not configured"))
	}
	lines := h.Metrics.Recent().List()
	items := make([]any, len(lines))
	for i, l := range lines {
		items[i] = bencode.Dict{"at": l.At.Unix(), "message": l.Message}
	}
	return ok(bencode.Dict{"lines": items})
}

func (h *Handler) handleOxendRequest(ctx context.Context, env Envelope) Response {
	if h.Oracle == nil {
		return fail(newErr(UpstreamUnavailable, "no oracle configured"))
	}
	method, hasMethod := env.Args.String("oxend_method")
	if !hasMethod {
		return fail(newErr(BadRequest, "missing oxend_method"))
	}
	params, _ := env.Args.Bytes("oxend_params")
	result, err := h.Oracle.Request(ctx, method, params)
	if err != nil {
		return fail(newErr(UpstreamUnavailable, "oxend_request: %v", err))
	}
	return ok(bencode.Dict{"result": result})
}
