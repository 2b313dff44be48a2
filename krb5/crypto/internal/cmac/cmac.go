// Package cmac implements the CMAC message authentication code (RFC 4493,
// NIST SP 800-38B) over any 128-bit block cipher.
package cmac

import (
	"crypto/cipher"
	"errors"
)

const rb = 0x87

var errBlockSize = errors.New("cmac: block size must be 16")

// Subkeys returns the two CMAC subkeys for b.
func Subkeys(b cipher.Block) (k1, k2 []byte, err error) {
	if b.BlockSize() != 16 {
		return nil, nil, errBlockSize
	}
	l := make([]byte, 16)
	b.Encrypt(l, l)
	k1 = double(l)
	k2 = double(k1)
	return k1, k2, nil
}

// double multiplies v by x in GF(2^128).
func double(v []byte) []byte {
	out := make([]byte, len(v))
	var carry byte
	for i := len(v) - 1; i >= 0; i-- {
		out[i] = v[i]<<1 | carry
		carry = v[i] >> 7
	}
	if carry != 0 {
		out[len(out)-1] ^= rb
	}
	return out
}

// Sum returns the 16-byte CMAC of msg.
func Sum(b cipher.Block, msg []byte) ([]byte, error) {
	k1, k2, err := Subkeys(b)
	if err != nil {
		return nil, err
	}
	const bs = 16
	n := (len(msg) + bs - 1) / bs
	complete := n > 0 && len(msg)%bs == 0
	if n == 0 {
		n = 1
	}

	last := make([]byte, bs)
	tail := msg[(n-1)*bs:]
	copy(last, tail)
	if complete {
		xor(last, k1)
	} else {
		last[len(tail)] = 0x80
		xor(last, k2)
	}

	x := make([]byte, bs)
	for i := 0; i < n-1; i++ {
		xor(x, msg[i*bs:(i+1)*bs])
		b.Encrypt(x, x)
	}
	xor(x, last)
	b.Encrypt(x, x)
	return x, nil
}

func xor(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
