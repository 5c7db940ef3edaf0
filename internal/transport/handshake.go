package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

// Hello1 is sent by the connecting side once the QUIC/TLS handshake
// completes: it proves possession of the claimed node identity over a
// transcript binding both endpoints' node ids and a fresh ephemeral
// pubkey, the same shape as the teacher's PQ-hybrid Hello1/Hello2 but
// carrying a single Ed25519 signature instead of suite-negotiated PQ
// material (account keys in this system are Ed25519 by the wire
// contract, so the peer identity suite follows).
type Hello1 struct {
	FromNodeID   [32]byte
	ToNodeID     [32]byte
	FromPub      ed25519.PublicKey
	EphemeralPub []byte
	Nonce        [16]byte
	Signature    []byte
}

// Hello2 is the responder's reply to a Hello1, same shape, addressed
// the other way round (FromNodeID/ToNodeID swapped relative to the
// Hello1 that prompted it).
type Hello2 struct {
	FromNodeID   [32]byte
	ToNodeID     [32]byte
	FromPub      ed25519.PublicKey
	EphemeralPub []byte
	Nonce        [16]byte
	Signature    []byte
}

func helloTranscript(fromNodeID, toNodeID [32]byte, ephemeralPub []byte, nonce [16]byte) []byte {
	buf := make([]byte, 0, 32+32+len(ephemeralPub)+16)
	buf = append(buf, fromNodeID[:]...)
	buf = append(buf, toNodeID[:]...)
	buf = append(buf, ephemeralPub...)
	buf = append(buf, nonce[:]...)
	return buf
}

// signHello1 builds and signs a fresh Hello1 from fromNodeID to
// toNodeID, binding ephemeralPub into the signed transcript.
func signHello1(fromNodeID, toNodeID [32]byte, pub ed25519.PublicKey, priv ed25519.PrivateKey, ephemeralPub []byte) (Hello1, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Hello1{}, err
	}
	sig := ed25519.Sign(priv, helloTranscript(fromNodeID, toNodeID, ephemeralPub, nonce))
	return Hello1{
		FromNodeID:   fromNodeID,
		ToNodeID:     toNodeID,
		FromPub:      pub,
		EphemeralPub: ephemeralPub,
		Nonce:        nonce,
		Signature:    sig,
	}, nil
}

// signHello2 builds and signs the responder's reply to a Hello1.
func signHello2(fromNodeID, toNodeID [32]byte, pub ed25519.PublicKey, priv ed25519.PrivateKey, ephemeralPub []byte) (Hello2, error) {
	h1, err := signHello1(fromNodeID, toNodeID, pub, priv, ephemeralPub)
	if err != nil {
		return Hello2{}, err
	}
	return Hello2(h1), nil
}

func verifyHello1(h Hello1) error {
	if len(h.FromPub) != ed25519.PublicKeySize {
		return fmt.Errorf("bad identity pubkey size")
	}
	transcript := helloTranscript(h.FromNodeID, h.ToNodeID, h.EphemeralPub, h.Nonce)
	if !ed25519.Verify(h.FromPub, transcript, h.Signature) {
		return fmt.Errorf("hello signature verification failed")
	}
	return nil
}

func verifyHello2(h Hello2) error {
	return verifyHello1(Hello1(h))
}

type helloWire struct {
	FromNodeID   []byte `bencode:"f"`
	ToNodeID     []byte `bencode:"t"`
	FromPub      []byte `bencode:"p"`
	EphemeralPub []byte `bencode:"e"`
	Nonce        []byte `bencode:"n"`
	Signature    []byte `bencode:"s"`
}

func encodeHello1(h Hello1) ([]byte, error) {
	return bencode.Marshal(helloWire{
		FromNodeID:   h.FromNodeID[:],
		ToNodeID:     h.ToNodeID[:],
		FromPub:      h.FromPub,
		EphemeralPub: h.EphemeralPub,
		Nonce:        h.Nonce[:],
		Signature:    h.Signature,
	})
}

func encodeHello2(h Hello2) ([]byte, error) {
	return encodeHello1(Hello1(h))
}

func decodeHello1(data []byte) (Hello1, error) {
	var hw helloWire
	if err := bencode.Unmarshal(data, &hw); err != nil {
		return Hello1{}, err
	}
	if len(hw.FromNodeID) != 32 || len(hw.ToNodeID) != 32 || len(hw.Nonce) != 16 {
		return Hello1{}, fmt.Errorf("malformed hello frame")
	}
	var h Hello1
	copy(h.FromNodeID[:], hw.FromNodeID)
	copy(h.ToNodeID[:], hw.ToNodeID)
	copy(h.Nonce[:], hw.Nonce)
	h.FromPub = ed25519.PublicKey(hw.FromPub)
	h.EphemeralPub = hw.EphemeralPub
	h.Signature = hw.Signature
	return h, nil
}

func decodeHello2(data []byte) (Hello2, error) {
	h1, err := decodeHello1(data)
	if err != nil {
		return Hello2{}, err
	}
	return Hello2(h1), nil
}

// NodeID derives a peer's routing identity from its long-term Ed25519
// pubkey: SHA3-256 over a fixed domain label followed by the pubkey
// (see nodeIDHash).
func NodeID(pub ed25519.PublicKey) [32]byte {
	var id [32]byte
	copy(id[:], nodeIDHash(pub))
	return id
}
