// Package pow implements the proof-of-work admission check for store
// requests. The validator is pure and side-effect-free, as required by
// the wire contract: it performs no I/O and touches no shared state.
package pow

import (
	"crypto/sha512"
	"math/big"
)

// MetadataLen is the fixed per-message wire overhead folded into the
// difficulty scaling, carried over unchanged from the project's
// historical construction (see SPEC_FULL.md §4.B).
const MetadataLen = 56

// DefaultDifficulty is the compile-time difficulty constant applied when
// a deployment does not override it.
const DefaultDifficulty = 1

// Validator checks the proof-of-work nonce on a store request.
type Validator struct {
	Difficulty  uint64
	MetadataLen uint64
}

func NewValidator(difficulty uint64) Validator {
	if difficulty == 0 {
		difficulty = DefaultDifficulty
	}
	return Validator{Difficulty: difficulty, MetadataLen: MetadataLen}
}

// Validate checks nonce against the canonical construction pinned in the
// wire contract: SHA-512(timestamp_str || nonce || recipient_hex ||
// message_bytes), leading 8 bytes big-endian compared against a target
// scaled by payload size, ttl, and difficulty.
func (v Validator) Validate(nonce []byte, timestampStr string, ttl uint64, recipientHex string, payload []byte) bool {
	if ttl == 0 || len(nonce) == 0 {
		return false
	}
	digest := v.digest(nonce, timestampStr, recipientHex, payload)
	leading := new(big.Int).SetBytes(digest[:8])
	target := v.target(uint64(len(payload)), ttl)
	return leading.Cmp(target) < 0
}

func (v Validator) digest(nonce []byte, timestampStr, recipientHex string, payload []byte) [64]byte {
	h := sha512.New()
	h.Write([]byte(timestampStr))
	h.Write(nonce)
	h.Write([]byte(recipientHex))
	h.Write(payload)
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

// target returns floor(2^64 / ((payloadLen+metadataLen) * ttlSeconds * difficulty)).
func (v Validator) target(payloadLen, ttlSeconds uint64) *big.Int {
	metadataLen := v.MetadataLen
	if metadataLen == 0 {
		metadataLen = MetadataLen
	}
	difficulty := v.Difficulty
	if difficulty == 0 {
		difficulty = DefaultDifficulty
	}
	denom := new(big.Int).SetUint64(payloadLen + metadataLen)
	denom.Mul(denom, new(big.Int).SetUint64(ttlSeconds))
	denom.Mul(denom, new(big.Int).SetUint64(difficulty))
	if denom.Sign() == 0 {
		return new(big.Int).SetUint64(^uint64(0))
	}
	twoTo64 := new(big.Int).Lsh(big.NewInt(1), 64)
	return new(big.Int).Div(twoTo64, denom)
}
