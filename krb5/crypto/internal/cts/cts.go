// Package cts implements CBC mode with ciphertext stealing as used by the
// Kerberos AES (RFC 3962) and Camellia (RFC 6803) encryption types.
//
// The ciphertext is CBC over the zero-padded plaintext with the last two
// blocks swapped and the output truncated to the plaintext length. A
// plaintext of exactly one block is plain CBC.
package cts

import (
	"crypto/cipher"
	"errors"
)

var (
	errShortInput = errors.New("cts: input shorter than one block")
	errIVSize     = errors.New("cts: iv length does not match block size")
)

// Encrypt encrypts plaintext, which must be at least one block long.
func Encrypt(b cipher.Block, iv, plaintext []byte) ([]byte, error) {
	bs := b.BlockSize()
	l := len(plaintext)
	if l < bs {
		return nil, errShortInput
	}
	if len(iv) != bs {
		return nil, errIVSize
	}
	m := zeroPad(plaintext, bs)
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(m, m)
	if len(m) > bs {
		swapLastTwoBlocks(m, bs)
	}
	return m[:l], nil
}

// Decrypt reverses Encrypt.
func Decrypt(b cipher.Block, iv, ciphertext []byte) ([]byte, error) {
	bs := b.BlockSize()
	l := len(ciphertext)
	if l < bs {
		return nil, errShortInput
	}
	if len(iv) != bs {
		return nil, errIVSize
	}
	if l == bs {
		out := make([]byte, bs)
		cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, ciphertext)
		return out, nil
	}

	n := (l + bs - 1) / bs
	r := l - (n-1)*bs
	prefix := ciphertext[:(n-2)*bs]
	last := ciphertext[(n-2)*bs : (n-1)*bs]
	stolen := ciphertext[(n-1)*bs:]

	// Decrypting the final full block exposes the tail of the stolen block,
	// because the plaintext under it was zero padded.
	d := make([]byte, bs)
	b.Decrypt(d, last)

	buf := make([]byte, 0, n*bs)
	buf = append(buf, prefix...)
	buf = append(buf, stolen...)
	buf = append(buf, d[r:]...)
	buf = append(buf, last...)
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(buf, buf)
	return buf[:l], nil
}

// zeroPad returns a copy of data padded with zeros to a multiple of size.
func zeroPad(data []byte, size int) []byte {
	n := (len(data) + size - 1) / size * size
	out := make([]byte, n)
	copy(out, data)
	return out
}

func swapLastTwoBlocks(data []byte, size int) {
	l := len(data)
	tmp := make([]byte, size)
	copy(tmp, data[l-2*size:l-size])
	copy(data[l-2*size:l-size], data[l-size:])
	copy(data[l-size:], tmp)
}
