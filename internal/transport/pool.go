package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	clientConnIdle = 30 * time.Second
	dialTimeout    = 8 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// connPool caches live outbound QUIC connections by peer address,
// mirroring the teacher's client_pool.go get/drop/forget shape, so
// repeated RPCs to the same co-swarm peer reuse one connection instead
// of paying a fresh handshake per call.
type connPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
}

func newConnPool(idleAfter time.Duration) *connPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &connPool{conns: make(map[string]*pooledConn), idleAfter: idleAfter}
}

// get returns a pooled or freshly dialed connection for addr. isNew
// reports whether the connection was just dialed, so the caller knows
// whether the peer Hello1/Hello2 exchange still needs to run.
func (p *connPool) get(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (conn *quic.Conn, isNew bool, err error) {
	if addr == "" {
		return nil, false, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, false, nil
		}
		delete(p.conns, addr)
		stale := ent.conn
		p.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}

	conn, err = quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, true, nil
}

func (p *connPool) drop(addr string, conn *quic.Conn, reason string) {
	if addr == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func withDialTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), dialTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, dialTimeout)
}
