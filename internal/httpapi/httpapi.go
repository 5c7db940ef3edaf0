// Package httpapi implements the legacy JSON HTTP surface (§6):
// GET /retrieve and POST /store. Both endpoints build an
// internal/handler.Envelope and call the same Handle entry point the
// bencoded peer RPC surface uses, differing only in how the request is
// decoded and the response is encoded, per spec.md §4.F point 1. The
// server itself follows the teacher's only net/http usage
// (internal/pprofutil) for loopback-binding conventions, extended here
// into a real request-serving listener rather than a debug-only one.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/debuglog"
	"github.com/oxen-io/storagesvc/internal/handler"
	"github.com/oxen-io/storagesvc/internal/message"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

// connectionDeadline bounds an HTTP connection from accept to
// write-complete (§5 Concurrency & Resource Model); breaching it closes
// the socket rather than letting a slow client hold a worker forever.
const connectionDeadline = 60 * time.Second

// Server is the legacy JSON HTTP listener.
type Server struct {
	Addr    string
	Handler *handler.Handler
	Account account.Codec

	srv *http.Server
}

func New(addr string, h *handler.Handler, codec account.Codec) *Server {
	return &Server{Addr: addr, Handler: h, Account: codec}
}

// Mux builds the request router, exposed separately from
// ListenAndServe so tests can drive it with httptest without binding a
// real socket.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/retrieve", s.handleRetrieve)
	mux.HandleFunc("/store", s.handleStore)
	return mux
}

// ListenAndServe binds Addr and serves until ctx is cancelled, closing
// the listener on cancellation the way the teacher's accept loops tear
// down on context cancel.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       connectionDeadline,
		WriteTimeout:      connectionDeadline,
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	debuglog.Logf("httpapi: listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type retrieveItem struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	pubHex := r.Header.Get("pubkey")
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) == 0 {
		writeJSONError(w, http.StatusBadRequest, "missing or malformed pubkey header")
		return
	}

	args := bencode.Dict{"account": raw}
	if lastHash := r.Header.Get("last_hash"); lastHash != "" {
		args["last_hash"] = lastHash
	}

	resp := s.Handler.Handle(r.Context(), handler.Envelope{
		Method:   "retrieve",
		Args:     args,
		CallerIP: remoteIP(r),
	})
	if resp.Err != nil {
		writeErrorResponse(w, resp.Err)
		return
	}

	rawItems, _ := resp.Result.List("messages")
	items := make([]retrieveItem, 0, len(rawItems))
	for _, v := range rawItems {
		d, ok := v.(bencode.Dict)
		if !ok {
			continue
		}
		hash, _ := d.String("hash")
		ts, _ := d.Int("timestamp")
		data, _ := d.Bytes("data")
		items = append(items, retrieveItem{Hash: hash, Timestamp: ts, Data: base64.StdEncoding.EncodeToString(data)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	nonceHex := r.Header.Get("X-Loki-pow-nonce")
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed X-Loki-pow-nonce")
		return
	}
	ttlStr := r.Header.Get("X-Loki-ttl")
	ttlSeconds, err := strconv.ParseInt(ttlStr, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed X-Loki-ttl")
		return
	}
	timestampStr := r.Header.Get("X-Loki-timestamp")
	timestampMS, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed X-Loki-timestamp")
		return
	}
	recipientHex := r.Header.Get("X-Loki-recipient")
	recipientRaw, err := hex.DecodeString(recipientHex)
	if err != nil || len(recipientRaw) == 0 {
		writeJSONError(w, http.StatusBadRequest, "malformed X-Loki-recipient")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, message.MaxDataSize+1)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "body too large or unreadable")
		return
	}

	args := bencode.Dict{
		"account":       recipientRaw,
		"namespace":     int64(0),
		"data":          data,
		"timestamp_ms":  timestampMS,
		"ttl_ms":        ttlSeconds * 1000,
		"pow_nonce":     nonce,
		"recipient_hex": recipientHex,
		"timestamp_str": timestampStr,
		// The legacy HTTP surface has no way to ask for duplicate-tolerant
		// storage (§6: second store of the same hash is 409), unlike the
		// peer-RPC storage.store method which lets a forwarding node opt
		// in to on_duplicate=ignore.
		"on_duplicate": "fail",
	}

	resp := s.Handler.Handle(r.Context(), handler.Envelope{
		Method:   "store",
		Args:     args,
		CallerIP: remoteIP(r),
	})
	if resp.Err != nil {
		writeErrorResponse(w, resp.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeErrorResponse(w http.ResponseWriter, err *handler.Error) {
	writeJSONError(w, err.Kind.HTTPStatus(), err.Message)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
