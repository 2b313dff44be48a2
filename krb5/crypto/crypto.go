// Package crypto implements the Kerberos encryption and checksum types.
//
// Each encryption type and checksum type is registered in a process-wide
// table that is filled during package initialization and only read after
// that. Keyed operations always take a key usage number so one base key
// yields distinct keys for distinct protocol contexts.
//
// Supported encryption types: des-cbc-crc, des-cbc-md4, des-cbc-md5,
// des3-cbc-sha1-kd, aes128/256-cts-hmac-sha1-96, rc4-hmac and
// camellia128/256-cts-cmac.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/kardianos/gokdc/der"
)

// Encryption type numbers (RFC 3961, RFC 3962, RFC 4757, RFC 6803).
const (
	ETypeDESCBCCRC           int32 = 1
	ETypeDESCBCMD4           int32 = 2
	ETypeDESCBCMD5           int32 = 3
	ETypeDES3CBCSHA1KD       int32 = 16
	ETypeAES128CTSHMACSHA196 int32 = 17
	ETypeAES256CTSHMACSHA196 int32 = 18
	ETypeRC4HMAC             int32 = 23
	ETypeCamellia128CTSCMAC  int32 = 25
	ETypeCamellia256CTSCMAC  int32 = 26
)

// Checksum type numbers.
const (
	CksumCRC32            int32 = 1
	CksumRSAMD4           int32 = 2
	CksumRSAMD4DES        int32 = 3
	CksumRSAMD5           int32 = 7
	CksumRSAMD5DES        int32 = 8
	CksumHMACSHA1DES3KD   int32 = 12
	CksumSHA1             int32 = 14
	CksumHMACSHA196AES128 int32 = 15
	CksumHMACSHA196AES256 int32 = 16
	CksumCMACCamellia128  int32 = 17
	CksumCMACCamellia256  int32 = 18
	CksumHMACMD5          int32 = -138
)

// Key usage numbers (RFC 4120 section 7.5.1, RFC 6113 section 5.4).
const (
	KeyUsageASReqTimestamp       uint32 = 1
	KeyUsageTicket               uint32 = 2
	KeyUsageASRepEncPart         uint32 = 3
	KeyUsageTGSReqAuthData       uint32 = 4
	KeyUsageTGSReqSubkeyAuthData uint32 = 5
	KeyUsageTGSReqChecksum       uint32 = 6
	KeyUsageTGSReqAuthenticator  uint32 = 7
	KeyUsageTGSRepEncPart        uint32 = 8
	KeyUsageTGSRepSubkeyEncPart  uint32 = 9
	KeyUsageAPReqChecksum        uint32 = 10
	KeyUsageAPReqAuthenticator   uint32 = 11
	KeyUsageAPRepEncPart         uint32 = 12
	KeyUsageFastReqChecksum      uint32 = 50
	KeyUsageFastEnc              uint32 = 51
	KeyUsageFastRep              uint32 = 52
	KeyUsageFastFinished         uint32 = 53
	KeyUsageEncChallengeClient   uint32 = 54
	KeyUsageEncChallengeKDC      uint32 = 55
)

// ErrInvalidInput reports a length or format precondition failure.
// ErrIntegrity reports a checksum or MAC mismatch. Callers facing the
// network must treat both the same.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrIntegrity    = errors.New("integrity check failed")
	ErrUnsupported  = errors.New("unsupported type")
)

// CryptoError wraps one of the sentinel errors with the failing operation.
type CryptoError struct {
	Op    string
	EType int32
	Err   error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s (etype %d): %v", e.Op, e.EType, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func cryptoErr(op string, etype int32, err error) error {
	return &CryptoError{Op: op, EType: etype, Err: err}
}

// EncryptionKey is a key bound to an encryption type. KVNO is carried
// alongside the key and is not part of its wire encoding.
type EncryptionKey struct {
	KeyType  int32
	KeyValue []byte
	KVNO     uint32
}

// Validate checks the key length against its encryption type.
func (k EncryptionKey) Validate() error {
	e, err := Lookup(k.KeyType)
	if err != nil {
		return err
	}
	if len(k.KeyValue) != e.KeySize() {
		return cryptoErr("validate key", k.KeyType, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidInput, len(k.KeyValue), e.KeySize()))
	}
	return nil
}

// EncryptedData is ciphertext with its encryption type and key version.
type EncryptedData struct {
	EType  int32
	KVNO   uint32
	Cipher []byte
}

// Checksum is an integrity tag.
type Checksum struct {
	CksumType int32
	Checksum  []byte
}

var (
	encryptionKeyFields = der.NewFieldTable("EncryptionKey",
		der.Field{Tag: 0, Name: "keytype"},
		der.Field{Tag: 1, Name: "keyvalue"},
	)
	encryptedDataFields = der.NewFieldTable("EncryptedData",
		der.Field{Tag: 0, Name: "etype"},
		der.Field{Tag: 1, Name: "kvno", Optional: true},
		der.Field{Tag: 2, Name: "cipher"},
	)
	checksumFields = der.NewFieldTable("Checksum",
		der.Field{Tag: 0, Name: "cksumtype"},
		der.Field{Tag: 1, Name: "checksum"},
	)
)

// Value returns the DER form of k.
func (k EncryptionKey) Value() (der.TaggedValue, error) {
	r := encryptionKeyFields.New()
	r.SetInt(0, int64(k.KeyType))
	r.SetBytes(1, k.KeyValue)
	return r.Encode()
}

// DecodeEncryptionKey parses an EncryptionKey.
func DecodeEncryptionKey(v der.TaggedValue) (EncryptionKey, error) {
	r, err := encryptionKeyFields.Decode(v)
	if err != nil {
		return EncryptionKey{}, err
	}
	k := EncryptionKey{KeyType: r.Int32(0), KeyValue: r.Bytes(1)}
	return k, r.Err()
}

// Value returns the DER form of e.
func (e EncryptedData) Value() (der.TaggedValue, error) {
	r := encryptedDataFields.New()
	r.SetInt(0, int64(e.EType))
	r.OptInt(1, int64(e.KVNO))
	r.SetBytes(2, e.Cipher)
	return r.Encode()
}

// Marshal returns the encoding of e.
func (e EncryptedData) Marshal() ([]byte, error) {
	v, err := e.Value()
	if err != nil {
		return nil, err
	}
	return der.Encode(v), nil
}

// DecodeEncryptedData parses an EncryptedData.
func DecodeEncryptedData(v der.TaggedValue) (EncryptedData, error) {
	r, err := encryptedDataFields.Decode(v)
	if err != nil {
		return EncryptedData{}, err
	}
	e := EncryptedData{EType: r.Int32(0), KVNO: r.Uint32(1), Cipher: r.Bytes(2)}
	return e, r.Err()
}

// UnmarshalEncryptedData parses the encoding of an EncryptedData.
func UnmarshalEncryptedData(b []byte) (EncryptedData, error) {
	v, err := der.Decode(b)
	if err != nil {
		return EncryptedData{}, err
	}
	return DecodeEncryptedData(v)
}

// Value returns the DER form of c.
func (c Checksum) Value() (der.TaggedValue, error) {
	r := checksumFields.New()
	r.SetInt(0, int64(c.CksumType))
	r.SetBytes(1, c.Checksum)
	return r.Encode()
}

// DecodeChecksum parses a Checksum.
func DecodeChecksum(v der.TaggedValue) (Checksum, error) {
	r, err := checksumFields.Decode(v)
	if err != nil {
		return Checksum{}, err
	}
	c := Checksum{CksumType: r.Int32(0), Checksum: r.Bytes(1)}
	return c, r.Err()
}

// Encrypt encrypts plaintext under key for the given usage.
func Encrypt(key EncryptionKey, usage uint32, plaintext []byte) (EncryptedData, error) {
	e, err := Lookup(key.KeyType)
	if err != nil {
		return EncryptedData{}, err
	}
	ct, err := e.Encrypt(key.KeyValue, usage, plaintext)
	if err != nil {
		return EncryptedData{}, err
	}
	return EncryptedData{EType: key.KeyType, KVNO: key.KVNO, Cipher: ct}, nil
}

// Decrypt decrypts ed with key for the given usage. A key of another
// encryption type fails as an integrity error.
func Decrypt(key EncryptionKey, usage uint32, ed EncryptedData) ([]byte, error) {
	if key.KeyType != ed.EType {
		return nil, cryptoErr("decrypt", ed.EType, fmt.Errorf("%w: key type %d", ErrIntegrity, key.KeyType))
	}
	e, err := Lookup(ed.EType)
	if err != nil {
		return nil, err
	}
	return e.Decrypt(key.KeyValue, usage, ed.Cipher)
}

// MakeChecksum computes the checksum type associated with key's
// encryption type.
func MakeChecksum(key EncryptionKey, usage uint32, data []byte) (Checksum, error) {
	e, err := Lookup(key.KeyType)
	if err != nil {
		return Checksum{}, err
	}
	return MakeChecksumType(e.ChecksumType(), key, usage, data)
}

// MakeChecksumType computes a checksum of an explicit type.
func MakeChecksumType(cksumType int32, key EncryptionKey, usage uint32, data []byte) (Checksum, error) {
	c, err := LookupChecksum(cksumType)
	if err != nil {
		return Checksum{}, err
	}
	sum, err := c.Checksum(key.KeyValue, usage, data)
	if err != nil {
		return Checksum{}, err
	}
	return Checksum{CksumType: cksumType, Checksum: sum}, nil
}

// VerifyChecksum checks c over data. Keyed checksums must be compatible
// with key's encryption type.
func VerifyChecksum(key EncryptionKey, usage uint32, data []byte, c Checksum) error {
	ct, err := LookupChecksum(c.CksumType)
	if err != nil {
		return err
	}
	if ct.Keyed() && !ct.Compatible(key.KeyType) {
		return cryptoErr("verify checksum", key.KeyType, fmt.Errorf("%w: checksum type %d", ErrIntegrity, c.CksumType))
	}
	if !ct.Verify(key.KeyValue, usage, data, c.Checksum) {
		return cryptoErr("verify checksum", key.KeyType, ErrIntegrity)
	}
	return nil
}

// GenerateKey returns a random key of the given encryption type.
func GenerateKey(etype int32) (EncryptionKey, error) {
	e, err := Lookup(etype)
	if err != nil {
		return EncryptionKey{}, err
	}
	seed := make([]byte, e.KeySeedSize())
	if _, err := rand.Read(seed); err != nil {
		return EncryptionKey{}, err
	}
	k, err := e.RandomToKey(seed)
	if err != nil {
		return EncryptionKey{}, err
	}
	return EncryptionKey{KeyType: etype, KeyValue: k}, nil
}

// StringToKey derives a long-term key from a password. Empty params select
// the encryption type's default.
func StringToKey(etype int32, password, salt string, params []byte) (EncryptionKey, error) {
	e, err := Lookup(etype)
	if err != nil {
		return EncryptionKey{}, err
	}
	k, err := e.StringToKey(password, salt, params)
	if err != nil {
		return EncryptionKey{}, err
	}
	return EncryptionKey{KeyType: etype, KeyValue: k}, nil
}

// Salt returns the default salt for a principal: the realm followed by the
// name components.
func Salt(realm string, components []string) string {
	return realm + strings.Join(components, "")
}

func confounder(n int) ([]byte, error) {
	c := make([]byte, n)
	if _, err := rand.Read(c); err != nil {
		return nil, err
	}
	return c, nil
}

func usageConstant(usage uint32, suffix byte) []byte {
	return []byte{byte(usage >> 24), byte(usage >> 16), byte(usage >> 8), byte(usage), suffix}
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
