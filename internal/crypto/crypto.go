// Package crypto wraps the primitive algorithms the rest of the service
// treats as black boxes: Ed25519 signing, X25519 ECDH, XChaCha20-Poly1305
// AEAD, and a SHA3-256 based KDF.
package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	// XChaCha20-Poly1305 sizes.
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
	// ChaCha20-Poly1305 (non-extended nonce) sizes, used by the v0 onion suite.
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
)

func SHA3_256(msg ...[]byte) []byte {
	h := sha3.New256()
	for _, m := range msg {
		h.Write(m)
	}
	sum := h.Sum(nil)
	return sum
}

// KDF derives a 32-byte key from a label and arbitrary context material.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([][]byte, 0, len(parts)+1)
	buf = append(buf, []byte(label))
	buf = append(buf, parts...)
	return SHA3_256(buf...)
}

// Seal encrypts with ChaCha20-Poly1305 using a caller-supplied 12-byte nonce.
func Seal(key32, nonce12, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce12) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.New(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce12, plaintext, aad), nil
}

func Open(key32, nonce12, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce12) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.New(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce12, ciphertext, aad)
}

// XSeal encrypts with XChaCha20-Poly1305, generating a random 24-byte nonce.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

func XSealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

// Ephemeral is a single-use X25519 keypair; callers must Destroy it once
// the shared secret has been derived.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string   { return "Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return "crypto.Ephemeral{REDACTED}" }

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

func X25519Shared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

// X25519Public returns the public key corresponding to a raw X25519
// private scalar, used to fold a node's own onion identity into
// per-hop AAD construction without a full Ephemeral wrapper.
func X25519Public(privKey []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey().Bytes(), nil
}

// Ed25519PublicToX25519 converts an Ed25519 public key to its X25519
// (Montgomery) counterpart, mirroring the account-key derivation in §3 of
// the wire contract.
func Ed25519PublicToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, errors.New("bad ed25519 public key size")
	}
	xpub, ok := edPubToXPub(edPub)
	if !ok {
		return nil, errors.New("invalid ed25519 point")
	}
	return xpub, nil
}

// GenKeypair generates an Ed25519 signing keypair.
func GenKeypair() (pub, priv []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pubKey, privKey, nil
}

func Sign(priv []byte, msg []byte) []byte {
	if len(priv) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg)
}

func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) (pub, priv []byte, err error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err = hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err = hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}
