package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
)

// unkeyed is a plain digest. Verification ignores the key.
type unkeyed struct {
	id   int32
	name string
	size int
	sum  func([]byte) []byte
}

var (
	crc32Checksum = &unkeyed{id: CksumCRC32, name: "crc32", size: 4, sum: crc32Sum}
	rsaMD4        = &unkeyed{id: CksumRSAMD4, name: "rsa-md4", size: 16, sum: md4Sum}
	rsaMD5        = &unkeyed{id: CksumRSAMD5, name: "rsa-md5", size: 16, sum: md5Sum}
	sha1Checksum  = &unkeyed{id: CksumSHA1, name: "sha1", size: sha1.Size, sum: sha1Sum}
)

func (u *unkeyed) ID() int32 { return u.id }
func (u *unkeyed) Name() string { return u.name }
func (u *unkeyed) Size() int { return u.size }
func (u *unkeyed) Keyed() bool { return false }
func (u *unkeyed) Compatible(etype int32) bool { return true }

func (u *unkeyed) Checksum(key []byte, usage uint32, data []byte) ([]byte, error) {
	return u.sum(data), nil
}

func (u *unkeyed) Verify(key []byte, usage uint32, data, sum []byte) bool {
	return hmac.Equal(u.sum(data), sum)
}

func sha1Sum(data []byte) []byte {
	h := sha1.Sum(data)
	return h[:]
}
