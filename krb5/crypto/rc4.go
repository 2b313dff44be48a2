package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// rc4HMACType is rc4-hmac (RFC 4757). The key is the NT hash of the
// password.
type rc4HMACType struct{}

var (
	rc4HMAC = rc4HMACType{}
	hmacMD5 = hmacMD5Checksum{}
)

const rc4KeySize = 16

func (rc4HMACType) ID() int32 { return ETypeRC4HMAC }
func (rc4HMACType) Name() string { return "rc4-hmac" }
func (rc4HMACType) KeySize() int { return rc4KeySize }
func (rc4HMACType) KeySeedSize() int { return rc4KeySize }
func (rc4HMACType) ChecksumType() int32 { return CksumHMACMD5 }
func (rc4HMACType) DefaultParams() []byte { return nil }

func (rc4HMACType) RandomToKey(seed []byte) ([]byte, error) {
	if len(seed) != rc4KeySize {
		return nil, cryptoErr("random-to-key", ETypeRC4HMAC, fmt.Errorf("%w: seed is %d bytes, want 16", ErrInvalidInput, len(seed)))
	}
	return append([]byte(nil), seed...), nil
}

// StringToKey ignores the salt.
func (rc4HMACType) StringToKey(password, salt string, params []byte) ([]byte, error) {
	if len(params) != 0 {
		return nil, cryptoErr("string-to-key", ETypeRC4HMAC, fmt.Errorf("%w: rc4-hmac takes no params", ErrInvalidInput))
	}
	return ntHash(password), nil
}

// ntHash is MD4 over the UTF-16LE password.
func ntHash(password string) []byte {
	u := utf16.Encode([]rune(password))
	b := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	h := md4.New()
	h.Write(b)
	return h.Sum(nil)
}

// rc4Usage maps protocol usages onto the message types of RFC 4757.
func rc4Usage(usage uint32) uint32 {
	switch usage {
	case KeyUsageASRepEncPart, KeyUsageTGSRepSubkeyEncPart:
		return 8
	case 23:
		return 13
	}
	return usage
}

func hmacMD5Sum(key []byte, data ...[]byte) []byte {
	m := hmac.New(md5.New, key)
	for _, d := range data {
		m.Write(d)
	}
	return m.Sum(nil)
}

func rc4UsageKey(key []byte, usage uint32) []byte {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], rc4Usage(usage))
	return hmacMD5Sum(key, t[:])
}

func (rc4HMACType) Encrypt(key []byte, usage uint32, plaintext []byte) ([]byte, error) {
	if len(key) != rc4KeySize {
		return nil, cryptoErr("encrypt", ETypeRC4HMAC, fmt.Errorf("%w: key is %d bytes, want 16", ErrInvalidInput, len(key)))
	}
	conf, err := confounder(8)
	if err != nil {
		return nil, err
	}
	k1 := rc4UsageKey(key, usage)
	sum := hmacMD5Sum(k1, conf, plaintext)
	k3 := hmacMD5Sum(k1, sum)

	out := make([]byte, md5.Size+len(conf)+len(plaintext))
	copy(out, sum)
	body := out[md5.Size:]
	copy(body, conf)
	copy(body[len(conf):], plaintext)
	c, err := rc4.NewCipher(k3)
	if err != nil {
		return nil, cryptoErr("encrypt", ETypeRC4HMAC, err)
	}
	c.XORKeyStream(body, body)
	return out, nil
}

func (rc4HMACType) Decrypt(key []byte, usage uint32, ciphertext []byte) ([]byte, error) {
	if len(key) != rc4KeySize {
		return nil, cryptoErr("decrypt", ETypeRC4HMAC, fmt.Errorf("%w: key is %d bytes, want 16", ErrInvalidInput, len(key)))
	}
	if len(ciphertext) < md5.Size+8 {
		return nil, cryptoErr("decrypt", ETypeRC4HMAC, fmt.Errorf("%w: ciphertext length %d", ErrInvalidInput, len(ciphertext)))
	}
	k1 := rc4UsageKey(key, usage)
	sum := ciphertext[:md5.Size]
	k3 := hmacMD5Sum(k1, sum)
	body := make([]byte, len(ciphertext)-md5.Size)
	c, err := rc4.NewCipher(k3)
	if err != nil {
		return nil, cryptoErr("decrypt", ETypeRC4HMAC, err)
	}
	c.XORKeyStream(body, ciphertext[md5.Size:])
	if !hmac.Equal(hmacMD5Sum(k1, body), sum) {
		return nil, cryptoErr("decrypt", ETypeRC4HMAC, ErrIntegrity)
	}
	return body[8:], nil
}

// PRF is HMAC-SHA1 keyed with the base key (RFC 4757 section 5).
func (rc4HMACType) PRF(key, input []byte) ([]byte, error) {
	return hmacSHA1(key, input), nil
}

// hmacMD5Checksum is the Microsoft keyed checksum -138 over rc4-hmac keys.
type hmacMD5Checksum struct{}

var signatureKey = []byte("signaturekey\x00")

func (hmacMD5Checksum) ID() int32 { return CksumHMACMD5 }
func (hmacMD5Checksum) Name() string { return "hmac-md5" }
func (hmacMD5Checksum) Size() int { return md5.Size }
func (hmacMD5Checksum) Keyed() bool { return true }

func (hmacMD5Checksum) Compatible(etype int32) bool { return etype == ETypeRC4HMAC }

func (hmacMD5Checksum) Checksum(key []byte, usage uint32, data []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, cryptoErr("checksum", ETypeRC4HMAC, fmt.Errorf("%w: empty key", ErrInvalidInput))
	}
	ksign := hmacMD5Sum(key, signatureKey)
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], rc4Usage(usage))
	h := md5.New()
	h.Write(t[:])
	h.Write(data)
	return hmacMD5Sum(ksign, h.Sum(nil)), nil
}

func (c hmacMD5Checksum) Verify(key []byte, usage uint32, data, sum []byte) bool {
	want, err := c.Checksum(key, usage, data)
	if err != nil {
		return false
	}
	return hmac.Equal(want, sum)
}
