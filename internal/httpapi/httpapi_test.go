package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/handler"
	"github.com/oxen-io/storagesvc/internal/pow"
	"github.com/oxen-io/storagesvc/internal/ratelimit"
	"github.com/oxen-io/storagesvc/internal/store"
	"github.com/oxen-io/storagesvc/internal/subscribe"
	"github.com/oxen-io/storagesvc/internal/swarm"
)

type nopSender struct{}

func (nopSender) Send(string, []byte) error { return nil }

func newTestServer(t *testing.T) (*Server, account.Codec) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.sqlite3"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	codec := account.NewCodec(account.Mainnet)
	sm := swarm.New(0)
	sm.Update(swarm.Snapshot{Peers: []swarm.Peer{{Swarm: 0, Addr: "local:1"}}})

	h := handler.New(handler.Handler{
		Store:         st,
		Swarm:         sm,
		Subscriptions: subscribe.New(nopSender{}),
		PoW:           pow.NewValidator(1),
		Account:       codec,
		RateLimit:     ratelimit.New(1000, 1000),
	})
	return New("unused:0", h, codec), codec
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

func TestStoreThenRetrieveRoundTrip(t *testing.T) {
	s, codec := newTestServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	acct, err := codec.FromEd25519(pub)
	require.NoError(t, err)
	recipientHex := acct.String()

	ttl := int64(60)
	tsMS := time.Now().UnixMilli()
	timestampStr := strconv.FormatInt(tsMS, 10)
	data := []byte("hello world")
	nonce := findValidNonce(t, s.Handler.PoW, timestampStr, uint64(ttl), recipientHex, data)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/store", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("X-Loki-pow-nonce", hex.EncodeToString(nonce))
	req.Header.Set("X-Loki-ttl", strconv.FormatInt(ttl, 10))
	req.Header.Set("X-Loki-timestamp", timestampStr)
	req.Header.Set("X-Loki-recipient", recipientHex)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var storeBody map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&storeBody))
	require.Equal(t, "ok", storeBody["status"])

	getReq, err := http.NewRequest(http.MethodGet, srv.URL+"/retrieve", nil)
	require.NoError(t, err)
	getReq.Header.Set("pubkey", recipientHex)
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var retrieveBody struct {
		Messages []retrieveItem `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&retrieveBody))
	require.Len(t, retrieveBody.Messages, 1)
}

func TestStoreRejectsInvalidPoWWith403(t *testing.T) {
	s, codec := newTestServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	acct, err := codec.FromEd25519(pub)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/store", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	req.Header.Set("X-Loki-pow-nonce", "00")
	req.Header.Set("X-Loki-ttl", "60")
	req.Header.Set("X-Loki-timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	req.Header.Set("X-Loki-recipient", acct.String())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
