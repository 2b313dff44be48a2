package crypto

import (
	"crypto/aes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const aesDefaultIterations = 4096

var (
	aes128CTSHMACSHA196 = newAES(ETypeAES128CTSHMACSHA196, CksumHMACSHA196AES128, "aes128-cts-hmac-sha1-96", 16)
	aes256CTSHMACSHA196 = newAES(ETypeAES256CTSHMACSHA196, CksumHMACSHA196AES256, "aes256-cts-hmac-sha1-96", 32)

	hmacSHA196AES128 = &derivedChecksum{
		id: CksumHMACSHA196AES128, name: "hmac-sha1-96-aes128",
		etype: aes128CTSHMACSHA196, compat: []int32{ETypeAES128CTSHMACSHA196},
	}
	hmacSHA196AES256 = &derivedChecksum{
		id: CksumHMACSHA196AES256, name: "hmac-sha1-96-aes256",
		etype: aes256CTSHMACSHA196, compat: []int32{ETypeAES256CTSHMACSHA196},
	}
)

func newAES(id, cksum int32, name string, keySize int) *simplified {
	params := make([]byte, 4)
	binary.BigEndian.PutUint32(params, aesDefaultIterations)
	return &simplified{
		id:          id,
		cksum:       cksum,
		name:        name,
		keySize:     keySize,
		seedSize:    keySize,
		blockSize:   aes.BlockSize,
		macSize:     12,
		stealing:    true,
		newCipher:   aes.NewCipher,
		randomToKey: identityKey,
		stringToKey: aesStringToKey,
		params:      params,
	}
}

func identityKey(seed []byte) ([]byte, error) {
	return append([]byte(nil), seed...), nil
}

// iterations reads a 4-byte big-endian iteration count.
func iterations(id int32, params []byte, def uint32) (int, error) {
	if len(params) == 0 {
		return int(def), nil
	}
	if len(params) != 4 {
		return 0, cryptoErr("string-to-key", id, fmt.Errorf("%w: params are %d bytes, want 4", ErrInvalidInput, len(params)))
	}
	n := binary.BigEndian.Uint32(params)
	if n == 0 {
		return 0, cryptoErr("string-to-key", id, fmt.Errorf("%w: zero iteration count", ErrInvalidInput))
	}
	return int(n), nil
}

// aesStringToKey is PBKDF2-HMAC-SHA1 followed by DK(tkey, "kerberos")
// (RFC 3962 section 4).
func aesStringToKey(s *simplified, password, salt string, params []byte) ([]byte, error) {
	iter, err := iterations(s.id, params, aesDefaultIterations)
	if err != nil {
		return nil, err
	}
	tkey := pbkdf2.Key([]byte(password), []byte(salt), iter, s.keySize, sha1.New)
	return s.deriveKey(tkey, []byte("kerberos"))
}
