// Package message implements the content-addressed message record stored
// by the service: hashing, size/TTL/timestamp-skew validation, and the
// wire-level hash encoding used as the store's primary key.
package message

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/oxen-io/storagesvc/internal/account"
)

const (
	MaxDataSize      = 76800
	MinTTL           = 10 * time.Second
	MaxTTL           = 14 * 24 * time.Hour
	MaxTimestampSkew = 14 * 24 * time.Hour

	hashSize = 32
)

// Namespace is a client-chosen bucket within an account; retrieval and
// subscription are namespace-scoped.
type Namespace int16

// Message is the stored record: content-addressed, immutable once
// admitted, destroyed only by expiry sweep or explicit signed delete.
type Message struct {
	Hash        string
	Account     account.Pubkey
	Namespace   Namespace
	Data        []byte
	TimestampMS int64
	ExpiryMS    int64
}

// Hash computes the 43-character hash that identifies a message:
// base64(blake2b-256(account || namespace || timestamp_ms || data)).
func Hash(acct account.Pubkey, ns Namespace, timestampMS int64, data []byte) string {
	sum := digest(acct, ns, timestampMS, data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func digest(acct account.Pubkey, ns Namespace, timestampMS int64, data []byte) [hashSize]byte {
	h, _ := blake2b.New256(nil)
	h.Write(acct)
	var nsBuf [2]byte
	binary.BigEndian.PutUint16(nsBuf[:], uint16(ns))
	h.Write(nsBuf[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestampMS))
	h.Write(tsBuf[:])
	h.Write(data)
	var out [hashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// New builds and validates a Message from client-supplied fields. ttl is
// the requested lifetime; expiry_ms is derived as timestamp_ms + ttl_ms.
func New(acct account.Pubkey, ns Namespace, data []byte, timestampMS int64, ttl time.Duration, nowWall time.Time) (Message, error) {
	if err := validateSize(data); err != nil {
		return Message{}, err
	}
	if err := validateTTL(ttl); err != nil {
		return Message{}, err
	}
	if err := validateSkew(timestampMS, nowWall); err != nil {
		return Message{}, err
	}
	expiryMS := timestampMS + ttl.Milliseconds()
	return Message{
		Hash:        Hash(acct, ns, timestampMS, data),
		Account:     acct,
		Namespace:   ns,
		Data:        data,
		TimestampMS: timestampMS,
		ExpiryMS:    expiryMS,
	}, nil
}

func validateSize(data []byte) error {
	if len(data) > MaxDataSize {
		return fmt.Errorf("message: data size %d exceeds max %d", len(data), MaxDataSize)
	}
	return nil
}

func validateTTL(ttl time.Duration) error {
	if ttl < MinTTL || ttl > MaxTTL {
		return fmt.Errorf("message: ttl %s outside [%s, %s]", ttl, MinTTL, MaxTTL)
	}
	return nil
}

func validateSkew(timestampMS int64, nowWall time.Time) error {
	ts := time.UnixMilli(timestampMS)
	skew := ts.Sub(nowWall)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return fmt.Errorf("message: timestamp skew %s exceeds max %s", skew, MaxTimestampSkew)
	}
	return nil
}

// IsExpired reports whether the message's expiry has passed as of nowWall.
func (m Message) IsExpired(nowWall time.Time) bool {
	return m.ExpiryMS <= nowWall.UnixMilli()
}
