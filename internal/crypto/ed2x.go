package crypto

import "math/big"

// edPubToXPub converts an Ed25519 point (Edwards form) to its birationally
// equivalent X25519 point (Montgomery u-coordinate), per the account
// derivation in the wire contract: u = (1+y) / (1-y) mod p.
func edPubToXPub(edPub []byte) ([]byte, bool) {
	if len(edPub) != 32 {
		return nil, false
	}
	// Edwards25519 encodes y in the low 255 bits, sign of x in the top bit.
	y := make([]byte, 32)
	copy(y, edPub)
	y[31] &= 0x7f

	p := new(big.Int).SetBytes(p25519())
	yInt := new(big.Int).SetBytes(reverse(y))

	one := big.NewInt(1)
	num := new(big.Int).Add(one, yInt)
	num.Mod(num, p)
	den := new(big.Int).Sub(one, yInt)
	den.Mod(den, p)
	if den.Sign() == 0 {
		return nil, false
	}
	denInv := new(big.Int).ModInverse(den, p)
	if denInv == nil {
		return nil, false
	}
	u := new(big.Int).Mul(num, denInv)
	u.Mod(u, p)

	out := make([]byte, 32)
	ub := u.Bytes()
	copy(out[32-len(ub):], ub)
	return reverse(out), true
}

func p25519() []byte {
	// 2^255 - 19, big-endian.
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	p.Sub(p, big.NewInt(19))
	return p.Bytes()
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
