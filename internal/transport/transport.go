// Package transport implements the authenticated, bidirectional QUIC
// peer bus: connect-time Ed25519 Hello1/Hello2 mutual authentication,
// a pooled dialer, a per-remote-IP connection limiter, and dispatch of
// the peer RPC surface (sn.ping, sn.storage_test, sn.onion_req,
// sn.msg/sn.replicate, storage.<method>).
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/oxen-io/storagesvc/internal/crypto"
	"github.com/oxen-io/storagesvc/internal/debuglog"
	"github.com/oxen-io/storagesvc/internal/wire"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

func nodeIDHash(pub ed25519.PublicKey) []byte {
	return crypto.SHA3_256([]byte("storagesvc:node_id:"), pub)
}

// newEphemeralPub is a per-handshake freshness value included in the
// signed Hello transcript; the peer bus relies on QUIC/TLS 1.3 for
// channel secrecy, so this need not be a DH public key, only unique
// per handshake attempt.
func newEphemeralPub() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

const (
	requestTimeout       = 30 * time.Second
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
)

// Handler processes one decoded peer RPC call and returns the
// bencoded reply body (empty for fire-and-forget "send"-form calls).
type Handler func(ctx context.Context, fromNodeID [32]byte, fromPub ed25519.PublicKey, method string, args bencode.Dict) ([]byte, error)

// Server accepts inbound peer connections, authenticates each one via
// Hello1/Hello2, and dispatches every stream's request to Handler.
type Server struct {
	Addr    string
	Pub     ed25519.PublicKey
	Priv    ed25519.PrivateKey
	Handler Handler

	limiter *ipLimiter
	conns   sync.Map // connectionHandle -> *quic.Conn, for server-initiated push frames
}

// ConnectionHandle names the channel a monitor.messages registration
// should push notify.message frames back on: the authenticated client's
// node id, hex-encoded. Stable for the lifetime of one connection.
func ConnectionHandle(fromNodeID [32]byte) string {
	return fmt.Sprintf("%x", fromNodeID)
}

// Push opens a fresh stream on the connection registered under handle
// and writes a fire-and-forget frame, satisfying
// internal/subscribe.Sender.
func (s *Server) Push(handle string, frame []byte) error {
	v, ok := s.conns.Load(handle)
	if !ok {
		return fmt.Errorf("transport: no live connection for handle %s", handle)
	}
	conn := v.(*quic.Conn)
	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return err
	}
	defer stream.Close()
	return wire.WriteFrame(stream, frame)
}

const (
	defaultMaxConnsPerIP   = 64
	defaultMaxStreamsPerIP = 256
)

func NewServer(addr string, pub ed25519.PublicKey, priv ed25519.PrivateKey, handler Handler) *Server {
	return &Server{
		Addr:    addr,
		Pub:     pub,
		Priv:    priv,
		Handler: handler,
		limiter: newIPLimiter(defaultMaxConnsPerIP, defaultMaxStreamsPerIP),
	}
}

// ListenAndServe blocks accepting connections until ctx is canceled or
// the listener errors.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsConf, err := serverTLSConfig(s.Pub, s.Priv)
	if err != nil {
		return err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	listener, err := quic.ListenAddr(s.Addr, tlsConf, quicConf)
	if err != nil {
		return err
	}
	debuglog.Logf("transport: listening on %s", s.Addr)
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			debuglog.Logf("transport: accept error: %v", err)
			continue
		}
		ip := remoteIP(conn.RemoteAddr())
		if !s.limiter.acquireConn(ip) {
			_ = conn.CloseWithError(0, "too many connections from this address")
			continue
		}
		go s.serveConn(ctx, conn, ip)
	}
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer s.limiter.releaseConn(ip)
	defer conn.CloseWithError(0, "done")

	fromNodeID, fromPub, err := s.authenticateInbound(ctx, conn)
	if err != nil {
		debuglog.Logf("transport: handshake with %s failed: %v", ip, err)
		return
	}

	handle := ConnectionHandle(fromNodeID)
	s.conns.Store(handle, conn)
	defer s.conns.Delete(handle)

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.limiter.acquireStream(ip) {
			_ = stream.Close()
			continue
		}
		go func() {
			defer s.limiter.releaseStream(ip)
			defer stream.Close()
			s.serveStream(ctx, stream, fromNodeID, fromPub)
		}()
	}
}

func (s *Server) authenticateInbound(ctx context.Context, conn *quic.Conn) ([32]byte, ed25519.PublicKey, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return [32]byte{}, nil, err
	}
	defer stream.Close()

	req, err := wire.ReadFrame(stream)
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("read hello1: %w", err)
	}
	hello1, err := decodeHello1(req)
	if err != nil {
		return [32]byte{}, nil, err
	}
	localNodeID := NodeID(s.Pub)
	if hello1.ToNodeID != localNodeID {
		return [32]byte{}, nil, fmt.Errorf("hello addressed to a different node")
	}
	if err := verifyHello1(hello1); err != nil {
		return [32]byte{}, nil, err
	}
	if err := bindCertToIdentity(conn, hello1.FromPub); err != nil {
		return [32]byte{}, nil, err
	}

	replyEph := make([]byte, len(hello1.EphemeralPub))
	copy(replyEph, hello1.EphemeralPub)
	hello2, err := signHello2(localNodeID, hello1.FromNodeID, s.Pub, s.Priv, replyEph)
	if err != nil {
		return [32]byte{}, nil, err
	}
	reply, err := encodeHello2(hello2)
	if err != nil {
		return [32]byte{}, nil, err
	}
	if err := wire.WriteFrame(stream, reply); err != nil {
		return [32]byte{}, nil, fmt.Errorf("write hello2: %w", err)
	}
	return hello1.FromNodeID, hello1.FromPub, nil
}

func (s *Server) serveStream(ctx context.Context, stream *quic.Stream, fromNodeID [32]byte, fromPub ed25519.PublicKey) {
	data, err := wire.ReadFrame(stream)
	if err != nil {
		if err != io.EOF {
			debuglog.Debugf("transport: read stream: %v", err)
		}
		return
	}
	d, err := bencode.DecodeDict(data)
	if err != nil {
		debuglog.Debugf("transport: decode request: %v", err)
		return
	}
	method, _ := d.String("method")
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	reply, err := s.Handler(reqCtx, fromNodeID, fromPub, method, d)
	if err != nil {
		reply, _ = bencode.Marshal(bencode.Dict{"error": err.Error()})
	}
	if len(reply) == 0 {
		return // fire-and-forget call, no reply expected
	}
	if err := wire.WriteFrame(stream, reply); err != nil {
		debuglog.Debugf("transport: write reply: %v", err)
	}
}

// Client dials peers and issues RPC calls against them, pooling
// connections per address.
type Client struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
	pool *connPool
}

func NewClient(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Client {
	return &Client{Pub: pub, Priv: priv, pool: newConnPool(clientConnIdle)}
}

// dialAuthenticated returns a pooled, already-authenticated connection
// for addr, running the Hello1/Hello2 exchange only on a freshly
// dialed connection (a reused pooled connection was authenticated when
// it was first established).
func (c *Client) dialAuthenticated(ctx context.Context, addr string, toNodeID [32]byte) (*quic.Conn, error) {
	tlsConf, err := clientTLSConfig(c.Pub, c.Priv)
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	dialCtx, cancel := withDialTimeout(ctx)
	conn, isNew, err := c.pool.get(dialCtx, addr, tlsConf, quicConf)
	cancel()
	if err != nil {
		return nil, err
	}
	if isNew {
		if err := c.handshake(ctx, conn, toNodeID); err != nil {
			c.pool.drop(addr, conn, "handshake failed")
			return nil, err
		}
	}
	return conn, nil
}

func (c *Client) handshake(ctx context.Context, conn *quic.Conn, toNodeID [32]byte) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	fromNodeID := NodeID(c.Pub)
	eph, err := newEphemeralPub()
	if err != nil {
		return err
	}
	hello1, err := signHello1(fromNodeID, toNodeID, c.Pub, c.Priv, eph)
	if err != nil {
		return err
	}
	hello, err := encodeHello1(hello1)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(stream, hello); err != nil {
		return err
	}
	reply, err := wire.ReadFrame(stream)
	if err != nil {
		return err
	}
	hello2, err := decodeHello2(reply)
	if err != nil {
		return err
	}
	if hello2.ToNodeID != fromNodeID || hello2.FromNodeID != toNodeID {
		return fmt.Errorf("hello2 addressed to the wrong node")
	}
	if err := verifyHello2(hello2); err != nil {
		return err
	}
	return bindCertToIdentity(conn, hello2.FromPub)
}

// Request issues a request-form RPC call and returns the peer's
// decoded reply dict.
func (c *Client) Request(ctx context.Context, addr string, toNodeID [32]byte, method string, args bencode.Dict) (bencode.Dict, error) {
	conn, err := c.dialAuthenticated(ctx, addr, toNodeID)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(addr, conn, "open stream failed")
		return nil, err
	}
	defer stream.Close()

	body := bencode.Dict{"method": method}
	for k, v := range args {
		body[k] = v
	}
	payload, err := bencode.Marshal(body)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(stream, payload); err != nil {
		c.pool.drop(addr, conn, "write failed")
		return nil, err
	}
	resp, err := wire.ReadFrame(stream)
	if err != nil {
		return nil, err
	}
	return bencode.DecodeDict(resp)
}

// Send issues a fire-and-forget RPC call; the peer never writes a
// reply frame back.
func (c *Client) Send(ctx context.Context, addr string, toNodeID [32]byte, method string, args bencode.Dict) error {
	conn, err := c.dialAuthenticated(ctx, addr, toNodeID)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(addr, conn, "open stream failed")
		return err
	}
	defer stream.Close()

	body := bencode.Dict{"method": method}
	for k, v := range args {
		body[k] = v
	}
	payload, err := bencode.Marshal(body)
	if err != nil {
		return err
	}
	return wire.WriteFrame(stream, payload)
}
