package handler

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/pow"
	"github.com/oxen-io/storagesvc/internal/ratelimit"
	"github.com/oxen-io/storagesvc/internal/store"
	"github.com/oxen-io/storagesvc/internal/subscribe"
	"github.com/oxen-io/storagesvc/internal/swarm"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

type fakeSender struct{}

func (fakeSender) Send(string, []byte) error { return nil }

func newTestHandler(t *testing.T) (*Handler, account.Codec) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.sqlite3"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	codec := account.NewCodec(account.Mainnet)
	sm := swarm.New(0)
	sm.Update(swarm.Snapshot{Peers: []swarm.Peer{{Swarm: 0, Addr: "local:1"}}})

	h := New(Handler{
		Store:         s,
		Swarm:         sm,
		Subscriptions: subscribe.New(fakeSender{}),
		PoW:           pow.NewValidator(1),
		Account:       codec,
		RateLimit:     ratelimit.New(1000, 1000),
	})
	return h, codec
}

func masterAccount(t *testing.T, codec account.Codec) (account.Pubkey, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	acct, err := codec.FromEd25519(pub)
	require.NoError(t, err)
	return acct, pub, priv
}

func findValidNonce(t *testing.T, v pow.Validator, timestampStr string, ttlSeconds uint64, recipientHex string, payload []byte) []byte {
	t.Helper()
	var nonce [8]byte
	for i := uint64(0); i < 1<<20; i++ {
		binary.BigEndian.PutUint64(nonce[:], i)
		if v.Validate(nonce[:], timestampStr, ttlSeconds, recipientHex, payload) {
			return append([]byte(nil), nonce[:]...)
		}
	}
	t.Fatalf("could not find a valid PoW nonce within 2^20 tries")
	return nil
}

func storeArgs(t *testing.T, h *Handler, acct account.Pubkey, data string, ttl time.Duration) bencode.Dict {
	t.Helper()
	now := time.Now()
	tsMS := now.UnixMilli()
	timestampStr := strconv.FormatInt(tsMS/1000, 10)
	recipientHex := acct.String()
	nonce := findValidNonce(t, h.PoW, timestampStr, uint64(ttl/time.Second), recipientHex, []byte(data))
	return bencode.Dict{
		"account":       []byte(acct),
		"namespace":     int64(0),
		"data":          []byte(data),
		"timestamp_ms":  tsMS,
		"ttl_ms":        ttl.Milliseconds(),
		"pow_nonce":     nonce,
		"recipient_hex": recipientHex,
		"timestamp_str": timestampStr,
	}
}

func TestHandleStoreThenRetrieve(t *testing.T) {
	h, codec := newTestHandler(t)
	acct, _, _ := masterAccount(t, codec)

	resp := h.Handle(context.Background(), Envelope{Method: "store", Args: storeArgs(t, h, acct, "hi", time.Minute)})
	require.Nil(t, resp.Err)
	require.NotEmpty(t, resp.Result["hash"])

	retResp := h.Handle(context.Background(), Envelope{Method: "retrieve", Args: bencode.Dict{"account": []byte(acct)}})
	require.Nil(t, retResp.Err)
	items, _ := retResp.Result.List("messages")
	require.Len(t, items, 1)
}

func TestHandleStoreDuplicateConflictsWhenOnDuplicateFail(t *testing.T) {
	h, codec := newTestHandler(t)
	acct, _, _ := masterAccount(t, codec)
	args := storeArgs(t, h, acct, "hi", time.Minute)

	first := h.Handle(context.Background(), Envelope{Method: "store", Args: args})
	require.Nil(t, first.Err)

	args["on_duplicate"] = "fail"
	second := h.Handle(context.Background(), Envelope{Method: "store", Args: args})
	require.NotNil(t, second.Err)
	require.Equal(t, Conflict, second.Err.Kind)
}

func TestHandleStoreRejectsBadPoW(t *testing.T) {
	h, codec := newTestHandler(t)
	acct, _, _ := masterAccount(t, codec)
	args := storeArgs(t, h, acct, "hi", time.Minute)
	args["pow_nonce"] = []byte{0}

	resp := h.Handle(context.Background(), Envelope{Method: "store", Args: args})
	require.NotNil(t, resp.Err)
	require.Equal(t, Forbidden, resp.Err.Kind)
}

func TestHandleWrongSwarmRedirectsWithPeerList(t *testing.T) {
	h, codec := newTestHandler(t)
	acct, _, _ := masterAccount(t, codec)
	h.Swarm.Update(swarm.Snapshot{Peers: []swarm.Peer{
		{Swarm: 0, Addr: "local:1"},
		{Swarm: 1, Addr: "remote:1"},
	}})
	h.Swarm.SetLocalSwarm(swarm.ID(^uint64(0))) // a swarm id distant from any account's digest

	resp := h.Handle(context.Background(), Envelope{Method: "retrieve", Args: bencode.Dict{"account": []byte(acct)}})
	require.NotNil(t, resp.Err)
	require.Equal(t, WrongSwarm, resp.Err.Kind)
	require.NotEmpty(t, resp.Err.Peers)
}

func TestHandleWrongSwarmOnForwardedRequestIsInternalError(t *testing.T) {
	h, codec := newTestHandler(t)
	acct, _, _ := masterAccount(t, codec)
	h.Swarm.SetLocalSwarm(swarm.ID(^uint64(0)))

	resp := h.Handle(context.Background(), Envelope{
		Method: "retrieve", Args: bencode.Dict{"account": []byte(acct)}, Forwarded: true,
	})
	require.NotNil(t, resp.Err)
	require.Equal(t, Internal, resp.Err.Kind)
}

func TestHandleDeleteRequiresValidSignature(t *testing.T) {
	h, codec := newTestHandler(t)
	acct, pub, priv := masterAccount(t, codec)
	stored := h.Handle(context.Background(), Envelope{Method: "store", Args: storeArgs(t, h, acct, "hi", time.Minute)})
	require.Nil(t, stored.Err)
	hash := stored.Result["hash"].(string)

	ts := time.Now().Unix()
	msg := deleteSigMessage(acct, ts, []string{hash})
	sig := ed25519.Sign(priv, msg)

	resp := h.Handle(context.Background(), Envelope{Method: "delete", Args: bencode.Dict{
		"account":   []byte(acct),
		"hashes":    []any{hash},
		"ts":        ts,
		"pubkey":    []byte(pub),
		"signature": sig,
	}})
	require.Nil(t, resp.Err)
	deleted, _ := resp.Result.List("deleted")
	require.Len(t, deleted, 1)
}

func TestHandleDeleteRejectsTamperedSignature(t *testing.T) {
	h, codec := newTestHandler(t)
	acct, pub, priv := masterAccount(t, codec)
	stored := h.Handle(context.Background(), Envelope{Method: "store", Args: storeArgs(t, h, acct, "hi", time.Minute)})
	hash := stored.Result["hash"].(string)

	ts := time.Now().Unix()
	sig := ed25519.Sign(priv, deleteSigMessage(acct, ts, []string{"some-other-hash"}))

	resp := h.Handle(context.Background(), Envelope{Method: "delete", Args: bencode.Dict{
		"account":   []byte(acct),
		"hashes":    []any{hash},
		"ts":        ts,
		"pubkey":    []byte(pub),
		"signature": sig,
	}})
	require.NotNil(t, resp.Err)
	require.Equal(t, Unauthorized, resp.Err.Kind)
}

func TestHandleRateLimitReturns429(t *testing.T) {
	h, codec := newTestHandler(t)
	h.RateLimit = ratelimit.New(0, 1)
	acct, _, _ := masterAccount(t, codec)

	args := bencode.Dict{"account": []byte(acct)}
	first := h.Handle(context.Background(), Envelope{Method: "retrieve", Args: args})
	require.Nil(t, first.Err)
	second := h.Handle(context.Background(), Envelope{Method: "retrieve", Args: args})
	require.NotNil(t, second.Err)
	require.Equal(t, RateLimited, second.Err.Kind)
}

func TestHandleMonitorMessagesRegistersSubscriptionViaP(t *testing.T) {
	h, _ := newTestHandler(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	acct, err := monitorMainnetCodec.FromEd25519(pub)
	require.NoError(t, err)

	ts := time.Now().Unix()
	namespaces := []int64{0, 1}
	sig := ed25519.Sign(priv, monitorMessagesSigMessage(acct.String(), ts, true, namespaces))

	resp := h.Handle(context.Background(), Envelope{Method: "monitor.messages", ConnectionHandle: "conn-1", Args: bencode.Dict{
		"P": []byte(pub),
		"n": []any{int64(0), int64(1)},
		"d": int64(1),
		"t": ts,
		"s": sig,
	}})
	require.Nil(t, resp.Err)
	require.EqualValues(t, 1, resp.Result["success"])
	require.Equal(t, 1, h.Subscriptions.Count())
}

func TestHandleMonitorMessagesRejectsUnsortedNamespaces(t *testing.T) {
	h, _ := newTestHandler(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	acct, err := monitorMainnetCodec.FromEd25519(pub)
	require.NoError(t, err)

	ts := time.Now().Unix()
	sig := ed25519.Sign(priv, monitorMessagesSigMessage(acct.String(), ts, false, []int64{1, 0}))

	resp := h.Handle(context.Background(), Envelope{Method: "monitor.messages", Args: bencode.Dict{
		"P": []byte(pub),
		"n": []any{int64(1), int64(0)},
		"t": ts,
		"s": sig,
	}})
	require.Nil(t, resp.Err)
	require.EqualValues(t, errInvalidNamespace, resp.Result["errcode"])
}

func TestHandleMonitorMessagesRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandler(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	resp := h.Handle(context.Background(), Envelope{Method: "monitor.messages", Args: bencode.Dict{
		"P": []byte(pub),
		"n": []any{int64(0)},
		"t": time.Now().Unix(),
		"s": make([]byte, ed25519.SignatureSize),
	}})
	require.Nil(t, resp.Err)
	require.EqualValues(t, errSignatureFailed, resp.Result["errcode"])
}
