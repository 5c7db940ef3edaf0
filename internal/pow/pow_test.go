package pow

import (
	"encoding/binary"
	"testing"
)

func TestValidateZeroNonceRejectedAtHighDifficulty(t *testing.T) {
	v := NewValidator(1000)
	ok := v.Validate([]byte("0"), "1700000000000", 60, "0501", []byte("hi"))
	if ok {
		t.Fatalf("expected zero nonce to fail at difficulty=1000")
	}
}

func TestValidateFindsAcceptingNonceAtDifficultyOne(t *testing.T) {
	v := NewValidator(1)
	var nonce [8]byte
	var found bool
	for i := uint64(0); i < 1<<20; i++ {
		binary.BigEndian.PutUint64(nonce[:], i)
		if v.Validate(nonce[:], "1700000000000", 60, "0501", []byte("hi")) {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected to find a valid nonce within 2^20 tries at difficulty=1")
	}
}

func TestValidateRejectsEmptyNonceOrZeroTTL(t *testing.T) {
	v := NewValidator(1)
	if v.Validate(nil, "1700000000000", 60, "0501", []byte("hi")) {
		t.Fatalf("expected empty nonce to fail")
	}
	if v.Validate([]byte("x"), "1700000000000", 0, "0501", []byte("hi")) {
		t.Fatalf("expected zero ttl to fail")
	}
}

func TestTargetShrinksWithLargerDenominator(t *testing.T) {
	v := NewValidator(1)
	small := v.target(10, 60)
	large := v.target(10, 120)
	if large.Cmp(small) >= 0 {
		t.Fatalf("expected target to shrink as ttl grows")
	}
}
