package crypto

import (
	"crypto/des"
	"fmt"
	"math/bits"
)

var (
	des3CBCSHA1KD = &simplified{
		id:          ETypeDES3CBCSHA1KD,
		cksum:       CksumHMACSHA1DES3KD,
		name:        "des3-cbc-sha1-kd",
		keySize:     24,
		seedSize:    21,
		blockSize:   des.BlockSize,
		macSize:     20,
		newCipher:   des.NewTripleDESCipher,
		randomToKey: des3RandomToKey,
		stringToKey: des3StringToKey,
	}

	hmacSHA1DES3KD = &derivedChecksum{
		id: CksumHMACSHA1DES3KD, name: "hmac-sha1-des3-kd",
		etype: des3CBCSHA1KD, compat: []int32{ETypeDES3CBCSHA1KD},
	}
)

// des3RandomToKey expands each 56-bit third of the seed into a DES key
// with odd parity (RFC 3961 section 6.3.1).
func des3RandomToKey(seed []byte) ([]byte, error) {
	if len(seed) != 21 {
		return nil, cryptoErr("random-to-key", ETypeDES3CBCSHA1KD, fmt.Errorf("%w: seed is %d bytes, want 21", ErrInvalidInput, len(seed)))
	}
	key := make([]byte, 0, 24)
	for i := 0; i < 3; i++ {
		key = append(key, expand56(seed[i*7:i*7+7])...)
	}
	return key, nil
}

// expand56 spreads seven octets over eight: the low bit of octet i moves
// to bit i+1 of the eighth octet, then every octet gets odd parity.
func expand56(b []byte) []byte {
	k := make([]byte, 8)
	for i := 0; i < 7; i++ {
		k[i] = b[i]
		k[7] |= (b[i] & 1) << uint(i+1)
	}
	setOddParity(k)
	fixWeakKey(k)
	return k
}

func setOddParity(k []byte) {
	for i, c := range k {
		c &^= 1
		if bits.OnesCount8(c)%2 == 0 {
			c |= 1
		}
		k[i] = c
	}
}

func des3StringToKey(s *simplified, password, salt string, params []byte) ([]byte, error) {
	if len(params) != 0 {
		return nil, cryptoErr("string-to-key", s.id, fmt.Errorf("%w: des3 takes no params", ErrInvalidInput))
	}
	tmp, err := des3RandomToKey(Nfold([]byte(password+salt), 168))
	if err != nil {
		return nil, err
	}
	return s.deriveKey(tmp, []byte("kerberos"))
}
