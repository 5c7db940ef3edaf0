package transport

import (
	"crypto/ed25519"
	"testing"

	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

func genIdentity(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return pub, priv
}

func TestNodeIDIsDeterministic(t *testing.T) {
	pub, _ := genIdentity(t)
	if NodeID(pub) != NodeID(pub) {
		t.Fatalf("expected NodeID to be deterministic")
	}
}

func TestHelloSignVerifyRoundTrip(t *testing.T) {
	fromPub, fromPriv := genIdentity(t)
	toPub, _ := genIdentity(t)
	fromID := NodeID(fromPub)
	toID := NodeID(toPub)

	eph, err := newEphemeralPub()
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	hello, err := signHello1(fromID, toID, fromPub, fromPriv, eph)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := verifyHello1(hello); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestHelloVerifyRejectsTamperedTranscript(t *testing.T) {
	fromPub, fromPriv := genIdentity(t)
	toPub, _ := genIdentity(t)
	fromID := NodeID(fromPub)
	toID := NodeID(toPub)

	eph, _ := newEphemeralPub()
	hello, err := signHello1(fromID, toID, fromPub, fromPriv, eph)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	otherPub, _ := genIdentity(t)
	otherID := NodeID(otherPub) // wrong "to" binds a different transcript
	hello.ToNodeID = otherID
	if err := verifyHello1(hello); err == nil {
		t.Fatalf("expected verification to fail against a tampered transcript")
	}
}

func TestHelloWireRoundTrip(t *testing.T) {
	fromPub, fromPriv := genIdentity(t)
	toPub, _ := genIdentity(t)
	fromID := NodeID(fromPub)
	toID := NodeID(toPub)

	eph, _ := newEphemeralPub()
	hello, err := signHello1(fromID, toID, fromPub, fromPriv, eph)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	encoded, err := encodeHello1(hello)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeHello1(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.FromNodeID != fromID || decoded.ToNodeID != toID || decoded.Nonce != hello.Nonce {
		t.Fatalf("decoded hello mismatch")
	}
	if err := verifyHello1(decoded); err != nil {
		t.Fatalf("verify decoded: %v", err)
	}
}

func TestIPLimiterCapsConcurrentConnections(t *testing.T) {
	l := newIPLimiter(2, 10)
	if !l.acquireConn("1.2.3.4") || !l.acquireConn("1.2.3.4") {
		t.Fatalf("expected first two connections to be admitted")
	}
	if l.acquireConn("1.2.3.4") {
		t.Fatalf("expected third connection to be refused")
	}
	l.releaseConn("1.2.3.4")
	if !l.acquireConn("1.2.3.4") {
		t.Fatalf("expected a connection slot to free up after release")
	}
}

func TestBencodeRequestEnvelopeRoundTrip(t *testing.T) {
	body := bencode.Dict{"method": "sn.ping", "n": int64(1)}
	payload, err := bencode.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	d, err := bencode.DecodeDict(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	method, ok := d.String("method")
	if !ok || method != "sn.ping" {
		t.Fatalf("unexpected method: %v ok=%v", method, ok)
	}
}

