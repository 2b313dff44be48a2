package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"fmt"

	"github.com/jcmturner/aescts/v2"
)

// simplified is the RFC 3961 simplified profile shared by des3-cbc-sha1-kd
// and the AES types: keys derived with DK, HMAC-SHA1 integrity over the
// confounded plaintext, and a block cipher in CBC (padded) or CBC-CTS
// mode with a zero IV. Ciphertext stealing is AES only and goes through
// aescts.
type simplified struct {
	id        int32
	cksum     int32
	name      string
	keySize   int
	seedSize  int
	blockSize int
	macSize   int
	// stealing selects AES ciphertext stealing instead of padding.
	stealing bool

	newCipher   func(key []byte) (cipher.Block, error)
	randomToKey func(seed []byte) ([]byte, error)
	stringToKey func(s *simplified, password, salt string, params []byte) ([]byte, error)
	params      []byte
}

func (s *simplified) ID() int32 { return s.id }
func (s *simplified) Name() string { return s.name }
func (s *simplified) KeySize() int { return s.keySize }
func (s *simplified) KeySeedSize() int { return s.seedSize }
func (s *simplified) ChecksumType() int32 { return s.cksum }
func (s *simplified) DefaultParams() []byte { return s.params }

func (s *simplified) RandomToKey(seed []byte) ([]byte, error) {
	if len(seed) != s.seedSize {
		return nil, cryptoErr("random-to-key", s.id, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidInput, len(seed), s.seedSize))
	}
	return s.randomToKey(seed)
}

func (s *simplified) StringToKey(password, salt string, params []byte) ([]byte, error) {
	return s.stringToKey(s, password, salt, params)
}

func (s *simplified) checkKey(op string, key []byte) error {
	if len(key) != s.keySize {
		return cryptoErr(op, s.id, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidInput, len(key), s.keySize))
	}
	return nil
}

// deriveRandom is DR(key, constant): the n-folded constant encrypted
// repeatedly, each output block feeding the next, until enough seed bytes
// are produced.
func (s *simplified) deriveRandom(key, constant []byte) ([]byte, error) {
	b, err := s.newCipher(key)
	if err != nil {
		return nil, cryptoErr("derive", s.id, err)
	}
	in := Nfold(constant, s.blockSize*8)
	out := make([]byte, 0, s.seedSize+s.blockSize)
	for len(out) < s.seedSize {
		next := make([]byte, s.blockSize)
		b.Encrypt(next, in)
		out = append(out, next...)
		in = next
	}
	return out[:s.seedSize], nil
}

// deriveKey is DK(key, constant).
func (s *simplified) deriveKey(key, constant []byte) ([]byte, error) {
	r, err := s.deriveRandom(key, constant)
	if err != nil {
		return nil, err
	}
	return s.randomToKey(r)
}

func (s *simplified) encryptRaw(key, data []byte) ([]byte, error) {
	iv := make([]byte, s.blockSize)
	if s.stealing {
		_, out, err := aescts.Encrypt(key, iv, data)
		return out, err
	}
	b, err := s.newCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, data)
	return out, nil
}

func (s *simplified) decryptRaw(key, data []byte) ([]byte, error) {
	iv := make([]byte, s.blockSize)
	if s.stealing {
		return aescts.Decrypt(key, iv, data)
	}
	b, err := s.newCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, data)
	return out, nil
}

func (s *simplified) Encrypt(key []byte, usage uint32, plaintext []byte) ([]byte, error) {
	if err := s.checkKey("encrypt", key); err != nil {
		return nil, err
	}
	ke, err := s.deriveKey(key, usageConstant(usage, 0xAA))
	if err != nil {
		return nil, err
	}
	ki, err := s.deriveKey(key, usageConstant(usage, 0x55))
	if err != nil {
		return nil, err
	}
	conf, err := confounder(s.blockSize)
	if err != nil {
		return nil, err
	}
	data := append(conf, plaintext...)
	if !s.stealing {
		data = zeroPad(data, s.blockSize)
	}
	ct, err := s.encryptRaw(ke, data)
	if err != nil {
		return nil, cryptoErr("encrypt", s.id, err)
	}
	return append(ct, hmacSHA1(ki, data)[:s.macSize]...), nil
}

func (s *simplified) Decrypt(key []byte, usage uint32, ciphertext []byte) ([]byte, error) {
	if err := s.checkKey("decrypt", key); err != nil {
		return nil, err
	}
	n := len(ciphertext) - s.macSize
	if n < s.blockSize || (!s.stealing && n%s.blockSize != 0) {
		return nil, cryptoErr("decrypt", s.id, fmt.Errorf("%w: ciphertext length %d", ErrInvalidInput, len(ciphertext)))
	}
	ke, err := s.deriveKey(key, usageConstant(usage, 0xAA))
	if err != nil {
		return nil, err
	}
	ki, err := s.deriveKey(key, usageConstant(usage, 0x55))
	if err != nil {
		return nil, err
	}
	data, err := s.decryptRaw(ke, ciphertext[:n])
	if err != nil {
		return nil, cryptoErr("decrypt", s.id, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	if !hmac.Equal(hmacSHA1(ki, data)[:s.macSize], ciphertext[n:]) {
		return nil, cryptoErr("decrypt", s.id, ErrIntegrity)
	}
	return data[s.blockSize:], nil
}

func (s *simplified) checksum(key []byte, usage uint32, data []byte) ([]byte, error) {
	if err := s.checkKey("checksum", key); err != nil {
		return nil, err
	}
	kc, err := s.deriveKey(key, usageConstant(usage, 0x99))
	if err != nil {
		return nil, err
	}
	return hmacSHA1(kc, data)[:s.macSize], nil
}

// PRF is the RFC 3961/3962 pseudo-random function: SHA-1 of the input
// truncated to whole blocks, encrypted under DK(key, "prf").
func (s *simplified) PRF(key, input []byte) ([]byte, error) {
	if err := s.checkKey("prf", key); err != nil {
		return nil, err
	}
	h := sha1.Sum(input)
	tmp := h[:len(h)/s.blockSize*s.blockSize]
	kp, err := s.deriveKey(key, []byte("prf"))
	if err != nil {
		return nil, err
	}
	return s.encryptRaw(kp, tmp)
}

func hmacSHA1(key, data []byte) []byte {
	m := hmac.New(sha1.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func zeroPad(b []byte, size int) []byte {
	if r := len(b) % size; r != 0 {
		b = append(b, make([]byte, size-r)...)
	}
	return b
}

// derivedChecksum is the keyed checksum of a simplified-profile
// encryption type.
type derivedChecksum struct {
	id    int32
	name  string
	etype *simplified
	// compat lists the encryption types whose keys are accepted.
	compat []int32
}

func (c *derivedChecksum) ID() int32 { return c.id }
func (c *derivedChecksum) Name() string { return c.name }
func (c *derivedChecksum) Size() int { return c.etype.macSize }
func (c *derivedChecksum) Keyed() bool { return true }

func (c *derivedChecksum) Compatible(etype int32) bool {
	for _, e := range c.compat {
		if e == etype {
			return true
		}
	}
	return false
}

func (c *derivedChecksum) Checksum(key []byte, usage uint32, data []byte) ([]byte, error) {
	return c.etype.checksum(key, usage, data)
}

func (c *derivedChecksum) Verify(key []byte, usage uint32, data, sum []byte) bool {
	want, err := c.Checksum(key, usage, data)
	if err != nil {
		return false
	}
	return hmac.Equal(want, sum)
}
