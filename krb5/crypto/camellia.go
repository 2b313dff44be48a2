package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-camellia"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kardianos/gokdc/krb5/crypto/internal/cmac"
	"github.com/kardianos/gokdc/krb5/crypto/internal/cts"
)

const camelliaDefaultIterations = 32768

// camelliaCTS is camellia128/256-cts-cmac (RFC 6803). Keys are derived
// with KDF-FEEDBACK-CMAC and integrity is CMAC over the confounded
// plaintext.
type camelliaCTS struct {
	id      int32
	cksum   int32
	name    string
	keySize int
}

var (
	camellia128CTSCMAC = &camelliaCTS{id: ETypeCamellia128CTSCMAC, cksum: CksumCMACCamellia128, name: "camellia128-cts-cmac", keySize: 16}
	camellia256CTSCMAC = &camelliaCTS{id: ETypeCamellia256CTSCMAC, cksum: CksumCMACCamellia256, name: "camellia256-cts-cmac", keySize: 32}

	cmacCamellia128 = &camelliaChecksum{id: CksumCMACCamellia128, name: "cmac-camellia128", etype: camellia128CTSCMAC}
	cmacCamellia256 = &camelliaChecksum{id: CksumCMACCamellia256, name: "cmac-camellia256", etype: camellia256CTSCMAC}
)

const camelliaBlockSize = 16

func (c *camelliaCTS) ID() int32 { return c.id }
func (c *camelliaCTS) Name() string { return c.name }
func (c *camelliaCTS) KeySize() int { return c.keySize }
func (c *camelliaCTS) KeySeedSize() int { return c.keySize }
func (c *camelliaCTS) ChecksumType() int32 { return c.cksum }

func (c *camelliaCTS) DefaultParams() []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, camelliaDefaultIterations)
	return p
}

func (c *camelliaCTS) RandomToKey(seed []byte) ([]byte, error) {
	if len(seed) != c.keySize {
		return nil, cryptoErr("random-to-key", c.id, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidInput, len(seed), c.keySize))
	}
	return append([]byte(nil), seed...), nil
}

func (c *camelliaCTS) checkKey(op string, key []byte) error {
	if len(key) != c.keySize {
		return cryptoErr(op, c.id, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidInput, len(key), c.keySize))
	}
	return nil
}

// deriveKey is KDF-FEEDBACK-CMAC: K(i) = CMAC(key, K(i-1) | i | constant |
// 0x00 | k) with K(0) all zeros, concatenated and truncated to k bits.
func (c *camelliaCTS) deriveKey(key, constant []byte) ([]byte, error) {
	b, err := camellia.New(key)
	if err != nil {
		return nil, cryptoErr("derive", c.id, err)
	}
	var kbits [4]byte
	binary.BigEndian.PutUint32(kbits[:], uint32(c.keySize*8))

	prev := make([]byte, camelliaBlockSize)
	out := make([]byte, 0, c.keySize+camelliaBlockSize)
	for i := uint32(1); len(out) < c.keySize; i++ {
		msg := make([]byte, 0, len(prev)+4+len(constant)+1+4)
		msg = append(msg, prev...)
		msg = binary.BigEndian.AppendUint32(msg, i)
		msg = append(msg, constant...)
		msg = append(msg, 0)
		msg = append(msg, kbits[:]...)
		prev, err = cmac.Sum(b, msg)
		if err != nil {
			return nil, cryptoErr("derive", c.id, err)
		}
		out = append(out, prev...)
	}
	return out[:c.keySize], nil
}

func (c *camelliaCTS) mac(key, data []byte) ([]byte, error) {
	b, err := camellia.New(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(b, data)
}

// StringToKey runs PBKDF2-HMAC-SHA256 over the password with the
// encryption type name prefixed to the salt, then derives with
// "kerberos".
func (c *camelliaCTS) StringToKey(password, salt string, params []byte) ([]byte, error) {
	iter, err := iterations(c.id, params, camelliaDefaultIterations)
	if err != nil {
		return nil, err
	}
	saltp := append([]byte(c.name), 0)
	saltp = append(saltp, salt...)
	tkey := pbkdf2.Key([]byte(password), saltp, iter, c.keySize, sha256.New)
	return c.deriveKey(tkey, []byte("kerberos"))
}

func (c *camelliaCTS) Encrypt(key []byte, usage uint32, plaintext []byte) ([]byte, error) {
	if err := c.checkKey("encrypt", key); err != nil {
		return nil, err
	}
	ke, err := c.deriveKey(key, usageConstant(usage, 0xAA))
	if err != nil {
		return nil, err
	}
	ki, err := c.deriveKey(key, usageConstant(usage, 0x55))
	if err != nil {
		return nil, err
	}
	conf, err := confounder(camelliaBlockSize)
	if err != nil {
		return nil, err
	}
	data := append(conf, plaintext...)
	b, err := camellia.New(ke)
	if err != nil {
		return nil, cryptoErr("encrypt", c.id, err)
	}
	ct, err := cts.Encrypt(b, make([]byte, camelliaBlockSize), data)
	if err != nil {
		return nil, cryptoErr("encrypt", c.id, err)
	}
	h, err := c.mac(ki, data)
	if err != nil {
		return nil, cryptoErr("encrypt", c.id, err)
	}
	return append(ct, h...), nil
}

func (c *camelliaCTS) Decrypt(key []byte, usage uint32, ciphertext []byte) ([]byte, error) {
	if err := c.checkKey("decrypt", key); err != nil {
		return nil, err
	}
	n := len(ciphertext) - camelliaBlockSize
	if n < camelliaBlockSize {
		return nil, cryptoErr("decrypt", c.id, fmt.Errorf("%w: ciphertext length %d", ErrInvalidInput, len(ciphertext)))
	}
	ke, err := c.deriveKey(key, usageConstant(usage, 0xAA))
	if err != nil {
		return nil, err
	}
	ki, err := c.deriveKey(key, usageConstant(usage, 0x55))
	if err != nil {
		return nil, err
	}
	b, err := camellia.New(ke)
	if err != nil {
		return nil, cryptoErr("decrypt", c.id, err)
	}
	data, err := cts.Decrypt(b, make([]byte, camelliaBlockSize), ciphertext[:n])
	if err != nil {
		return nil, cryptoErr("decrypt", c.id, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	h, err := c.mac(ki, data)
	if err != nil {
		return nil, cryptoErr("decrypt", c.id, err)
	}
	if !hmac.Equal(h, ciphertext[n:]) {
		return nil, cryptoErr("decrypt", c.id, ErrIntegrity)
	}
	return data[camelliaBlockSize:], nil
}

func (c *camelliaCTS) checksum(key []byte, usage uint32, data []byte) ([]byte, error) {
	if err := c.checkKey("checksum", key); err != nil {
		return nil, err
	}
	kc, err := c.deriveKey(key, usageConstant(usage, 0x99))
	if err != nil {
		return nil, err
	}
	return c.mac(kc, data)
}

// PRF is CMAC under KDF(key, "prf").
func (c *camelliaCTS) PRF(key, input []byte) ([]byte, error) {
	if err := c.checkKey("prf", key); err != nil {
		return nil, err
	}
	kp, err := c.deriveKey(key, []byte("prf"))
	if err != nil {
		return nil, err
	}
	return c.mac(kp, input)
}

type camelliaChecksum struct {
	id    int32
	name  string
	etype *camelliaCTS
}

func (c *camelliaChecksum) ID() int32 { return c.id }
func (c *camelliaChecksum) Name() string { return c.name }
func (c *camelliaChecksum) Size() int { return camelliaBlockSize }
func (c *camelliaChecksum) Keyed() bool { return true }

func (c *camelliaChecksum) Compatible(etype int32) bool { return etype == c.etype.id }

func (c *camelliaChecksum) Checksum(key []byte, usage uint32, data []byte) ([]byte, error) {
	return c.etype.checksum(key, usage, data)
}

func (c *camelliaChecksum) Verify(key []byte, usage uint32, data, sum []byte) bool {
	want, err := c.Checksum(key, usage, data)
	if err != nil {
		return false
	}
	return hmac.Equal(want, sum)
}
