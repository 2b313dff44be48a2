package crypto

import (
	"fmt"
	"sort"
)

// EType is one encryption type. Keys are raw bytes of KeySize length.
type EType interface {
	ID() int32
	Name() string
	KeySize() int
	KeySeedSize() int
	// ChecksumType is the keyed checksum paired with the encryption type.
	ChecksumType() int32

	Encrypt(key []byte, usage uint32, plaintext []byte) ([]byte, error)
	// Decrypt returns the plaintext. Block ciphers without ciphertext
	// stealing return it with its trailing pad.
	Decrypt(key []byte, usage uint32, ciphertext []byte) ([]byte, error)

	RandomToKey(seed []byte) ([]byte, error)
	StringToKey(password, salt string, params []byte) ([]byte, error)
	// DefaultParams are the string-to-key parameters used when none are
	// given. Nil when the type takes none.
	DefaultParams() []byte
	PRF(key, input []byte) ([]byte, error)
}

// ChecksumType is one checksum algorithm.
type ChecksumType interface {
	ID() int32
	Name() string
	Size() int
	Keyed() bool
	// Compatible reports whether keys of the encryption type may be
	// used with the checksum.
	Compatible(etype int32) bool

	Checksum(key []byte, usage uint32, data []byte) ([]byte, error)
	Verify(key []byte, usage uint32, data, sum []byte) bool
}

var (
	etypes = indexETypes(
		desCBCCRC, desCBCMD4, desCBCMD5,
		des3CBCSHA1KD,
		aes128CTSHMACSHA196, aes256CTSHMACSHA196,
		rc4HMAC,
		camellia128CTSCMAC, camellia256CTSCMAC,
	)
	checksums = indexChecksums(
		crc32Checksum, rsaMD4, rsaMD5, sha1Checksum,
		rsaMD4DES, rsaMD5DES,
		hmacSHA1DES3KD,
		hmacSHA196AES128, hmacSHA196AES256,
		cmacCamellia128, cmacCamellia256,
		hmacMD5,
	)
)

func indexETypes(list ...EType) map[int32]EType {
	m := make(map[int32]EType, len(list))
	for _, e := range list {
		m[e.ID()] = e
	}
	return m
}

func indexChecksums(list ...ChecksumType) map[int32]ChecksumType {
	m := make(map[int32]ChecksumType, len(list))
	for _, c := range list {
		m[c.ID()] = c
	}
	return m
}

// Lookup returns the encryption type with the given number.
func Lookup(id int32) (EType, error) {
	e, ok := etypes[id]
	if !ok {
		return nil, cryptoErr("lookup", id, fmt.Errorf("%w: encryption type %d", ErrUnsupported, id))
	}
	return e, nil
}

// LookupChecksum returns the checksum type with the given number.
func LookupChecksum(id int32) (ChecksumType, error) {
	c, ok := checksums[id]
	if !ok {
		return nil, cryptoErr("lookup checksum", 0, fmt.Errorf("%w: checksum type %d", ErrUnsupported, id))
	}
	return c, nil
}

// LookupName returns the encryption type with the given name, such as
// "aes256-cts-hmac-sha1-96".
func LookupName(name string) (EType, error) {
	for _, e := range etypes {
		if e.Name() == name {
			return e, nil
		}
	}
	return nil, cryptoErr("lookup", 0, fmt.Errorf("%w: encryption type %q", ErrUnsupported, name))
}

// Supported reports whether id names a registered encryption type.
func Supported(id int32) bool {
	_, ok := etypes[id]
	return ok
}

// ETypes returns the registered encryption type numbers in ascending order.
func ETypes() []int32 {
	ids := make([]int32, 0, len(etypes))
	for id := range etypes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Strong lists the encryption types offered by default, most preferred
// first.
var Strong = []int32{
	ETypeAES256CTSHMACSHA196,
	ETypeAES128CTSHMACSHA196,
	ETypeCamellia256CTSCMAC,
	ETypeCamellia128CTSCMAC,
}
