// Package account implements the storage service's account pubkey model:
// fixed-length addresses, the Ed25519-to-X25519 derivation used to prove
// an Ed25519 signer controls a given account address, and the subkey
// delegation scheme used by signed mutating endpoints.
package account

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oxen-io/storagesvc/internal/crypto"
)

// Network selects the account pubkey's wire length and netid byte, taking
// the place of the teacher's global mutable is_mainnet flag: every
// pubkey-length check consults a Codec value threaded through at
// construction rather than process-global state.
type Network int

const (
	Mainnet Network = iota
	Testnet
)

const (
	MainnetLen    = 33
	TestnetLen    = 32
	DefaultNetID  = 0x05
	SubkeyTagSize = 32
)

// Pubkey is an account address: the primary key for routing and access
// control across the store, swarm map, and subscription registry.
type Pubkey []byte

func (p Pubkey) String() string { return hex.EncodeToString(p) }

func (p Pubkey) Equal(o Pubkey) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Codec parses and derives account pubkeys for one network. It carries no
// mutable state and is safe to share across goroutines.
type Codec struct {
	Network Network
	NetID   byte
}

func NewCodec(network Network) Codec {
	return Codec{Network: network, NetID: DefaultNetID}
}

func (c Codec) expectedLen() int {
	if c.Network == Testnet {
		return TestnetLen
	}
	return MainnetLen
}

// Parse validates raw as a well-formed account pubkey for this network.
func (c Codec) Parse(raw []byte) (Pubkey, error) {
	want := c.expectedLen()
	if len(raw) != want {
		return nil, fmt.Errorf("account: bad pubkey length %d, want %d", len(raw), want)
	}
	if c.Network == Mainnet && raw[0] != c.NetID {
		return nil, fmt.Errorf("account: unexpected netid byte 0x%02x", raw[0])
	}
	out := make(Pubkey, len(raw))
	copy(out, raw)
	return out, nil
}

// FromEd25519 derives the account pubkey that an Ed25519 signing key
// projects to: X25519(edPub), optionally prefixed with the network's
// netid byte. The derivation is deterministic and injective, so a node
// can check that a caller-supplied Ed25519 key authorizes a given
// account address without storing any mapping.
func (c Codec) FromEd25519(edPub ed25519.PublicKey) (Pubkey, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, errors.New("account: bad ed25519 public key size")
	}
	xpub, err := crypto.Ed25519PublicToX25519(edPub)
	if err != nil {
		return nil, fmt.Errorf("account: ed25519->x25519 derivation failed: %w", err)
	}
	if c.Network == Testnet {
		out := make(Pubkey, TestnetLen)
		copy(out, xpub)
		return out, nil
	}
	out := make(Pubkey, MainnetLen)
	out[0] = c.NetID
	copy(out[1:], xpub)
	return out, nil
}

// Authorizes reports whether edPub's derived account address matches acct.
func (c Codec) Authorizes(acct Pubkey, edPub ed25519.PublicKey) bool {
	derived, err := c.FromEd25519(edPub)
	if err != nil {
		return false
	}
	return derived.Equal(acct)
}

const subkeyDomain = "storagesvc:subkey:v1"

// SubkeyAuth binds a delegate Ed25519 key (the "subkey") to an account for
// a published tag, signed by the account's master Ed25519 key. A request
// signed by the subkey is authorized for that account if and only if a
// valid SubkeyAuth for the subkey's exact bytes accompanies it.
type SubkeyAuth struct {
	Tag       [SubkeyTagSize]byte
	SubkeyPub ed25519.PublicKey
	Signature []byte
}

// SubkeyAuthMessage returns the exact byte sequence the master key signs
// to delegate to a subkey: domain || account || tag || subkey_pub.
func SubkeyAuthMessage(account Pubkey, tag [SubkeyTagSize]byte, subkeyPub ed25519.PublicKey) []byte {
	buf := make([]byte, 0, len(subkeyDomain)+len(account)+SubkeyTagSize+len(subkeyPub))
	buf = append(buf, []byte(subkeyDomain)...)
	buf = append(buf, account...)
	buf = append(buf, tag[:]...)
	buf = append(buf, subkeyPub...)
	return buf
}

// VerifySubkeyAuth checks that auth genuinely delegates signing authority
// over account to auth.SubkeyPub, signed by masterEdPub (the account's
// master Ed25519 key, supplied by the caller alongside the request since
// the account address itself is an X25519 derivation and cannot verify
// signatures directly).
func VerifySubkeyAuth(account Pubkey, masterEdPub ed25519.PublicKey, auth SubkeyAuth) bool {
	if len(auth.SubkeyPub) != ed25519.PublicKeySize || len(auth.Signature) != ed25519.SignatureSize {
		return false
	}
	msg := SubkeyAuthMessage(account, auth.Tag, auth.SubkeyPub)
	return ed25519.Verify(masterEdPub, msg, auth.Signature)
}
