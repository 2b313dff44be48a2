package crypto

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"

	"golang.org/x/crypto/md4"
)

// desCBC is single DES in CBC mode with an embedded unkeyed checksum
// (RFC 3961 section 6.2). The key usage does not affect these types.
type desCBC struct {
	id    int32
	name  string
	cksum int32
	// sumSize bytes follow the confounder and hold the integrity check.
	sumSize int
	sum     func(data []byte) []byte
	// keyIV uses the key as the initial vector.
	keyIV bool
}

var (
	desCBCCRC = &desCBC{id: ETypeDESCBCCRC, name: "des-cbc-crc", cksum: CksumRSAMD5DES, sumSize: 4, sum: crc32Sum, keyIV: true}
	desCBCMD4 = &desCBC{id: ETypeDESCBCMD4, name: "des-cbc-md4", cksum: CksumRSAMD4DES, sumSize: md4.Size, sum: md4Sum}
	desCBCMD5 = &desCBC{id: ETypeDESCBCMD5, name: "des-cbc-md5", cksum: CksumRSAMD5DES, sumSize: md5.Size, sum: md5Sum}

	desETypes = []int32{ETypeDESCBCCRC, ETypeDESCBCMD4, ETypeDESCBCMD5}

	rsaMD4DES = &desMAC{id: CksumRSAMD4DES, name: "rsa-md4-des", hash: md4.New}
	rsaMD5DES = &desMAC{id: CksumRSAMD5DES, name: "rsa-md5-des", hash: md5.New}
)

func (d *desCBC) ID() int32 { return d.id }
func (d *desCBC) Name() string { return d.name }
func (d *desCBC) KeySize() int { return des.BlockSize }
func (d *desCBC) KeySeedSize() int { return 7 }
func (d *desCBC) ChecksumType() int32 { return d.cksum }
func (d *desCBC) DefaultParams() []byte { return nil }

func (d *desCBC) RandomToKey(seed []byte) ([]byte, error) {
	if len(seed) != 7 {
		return nil, cryptoErr("random-to-key", d.id, fmt.Errorf("%w: seed is %d bytes, want 7", ErrInvalidInput, len(seed)))
	}
	return expand56(seed), nil
}

func (d *desCBC) StringToKey(password, salt string, params []byte) ([]byte, error) {
	if len(params) != 0 {
		return nil, cryptoErr("string-to-key", d.id, fmt.Errorf("%w: unsupported params", ErrInvalidInput))
	}
	return desStringToKey(password, salt), nil
}

func (d *desCBC) block(key []byte) (cipher.Block, []byte, error) {
	if len(key) != des.BlockSize {
		return nil, nil, cryptoErr("des", d.id, fmt.Errorf("%w: key is %d bytes, want 8", ErrInvalidInput, len(key)))
	}
	b, err := des.NewCipher(key)
	if err != nil {
		return nil, nil, cryptoErr("des", d.id, err)
	}
	iv := make([]byte, des.BlockSize)
	if d.keyIV {
		copy(iv, key)
	}
	return b, iv, nil
}

func (d *desCBC) Encrypt(key []byte, usage uint32, plaintext []byte) ([]byte, error) {
	b, iv, err := d.block(key)
	if err != nil {
		return nil, err
	}
	conf, err := confounder(des.BlockSize)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, des.BlockSize+d.sumSize+len(plaintext)+des.BlockSize)
	data = append(data, conf...)
	data = append(data, make([]byte, d.sumSize)...)
	data = append(data, plaintext...)
	data = zeroPad(data, des.BlockSize)
	copy(data[des.BlockSize:], d.sum(data))

	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, data)
	return out, nil
}

func (d *desCBC) Decrypt(key []byte, usage uint32, ciphertext []byte) ([]byte, error) {
	b, iv, err := d.block(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < des.BlockSize+d.sumSize || len(ciphertext)%des.BlockSize != 0 {
		return nil, cryptoErr("decrypt", d.id, fmt.Errorf("%w: ciphertext length %d", ErrInvalidInput, len(ciphertext)))
	}
	data := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(data, ciphertext)

	got := append([]byte(nil), data[des.BlockSize:des.BlockSize+d.sumSize]...)
	for i := des.BlockSize; i < des.BlockSize+d.sumSize; i++ {
		data[i] = 0
	}
	if !hmac.Equal(got, d.sum(data)) {
		return nil, cryptoErr("decrypt", d.id, ErrIntegrity)
	}
	return data[des.BlockSize+d.sumSize:], nil
}

// PRF is DES-CBC of the MD5 digest of input with a zero IV.
func (d *desCBC) PRF(key, input []byte) ([]byte, error) {
	if len(key) != des.BlockSize {
		return nil, cryptoErr("prf", d.id, fmt.Errorf("%w: key is %d bytes, want 8", ErrInvalidInput, len(key)))
	}
	b, err := des.NewCipher(key)
	if err != nil {
		return nil, cryptoErr("prf", d.id, err)
	}
	h := md5.Sum(input)
	out := make([]byte, len(h))
	cipher.NewCBCEncrypter(b, make([]byte, des.BlockSize)).CryptBlocks(out, h[:])
	return out, nil
}

func md4Sum(data []byte) []byte {
	h := md4.New()
	h.Write(data)
	return h.Sum(nil)
}

func md5Sum(data []byte) []byte {
	h := md5.Sum(data)
	return h[:]
}

// crc32Sum is the CRC-32 used by Kerberos: no initial preset, no final
// inversion, written little-endian.
func crc32Sum(data []byte) []byte {
	c := ^crc32.Update(0xffffffff, crc32.IEEETable, data)
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, c)
	return out
}

// desStringToKey is the RFC 3961 section 6.2 mit_des_string_to_key:
// fan-fold the padded password and salt into 56 bits, reversing every
// second block, then CBC-checksum the input under the folded key.
func desStringToKey(password, salt string) []byte {
	n := (len(password) + len(salt) + 7) &^ 7
	if n == 0 {
		n = 8
	}
	blk := make([]byte, n)
	copy(blk, password)
	copy(blk[len(password):], salt)

	var u uint64
	for i := 0; i < len(blk); i += 8 {
		a := binary.BigEndian.Uint64(blk[i:])
		// Drop the high bit of every octet.
		var p uint64
		for j := 0; j < 8; j++ {
			p |= (a >> (8 * uint(j)) & 0x7f) << (7 * uint(j))
		}
		if (i/8)%2 == 1 {
			p = reverse56(p)
		}
		u ^= p
	}

	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, addParity(u))
	fixWeakKey(k)

	b, _ := des.NewCipher(k)
	out := make([]byte, len(blk))
	cipher.NewCBCEncrypter(b, k).CryptBlocks(out, blk)

	copy(k, out[len(out)-8:])
	setOddParity(k)
	fixWeakKey(k)
	return k
}

func reverse56(p uint64) uint64 {
	var r uint64
	for i := 0; i < 56; i++ {
		r = r<<1 | (p >> uint(i) & 1)
	}
	return r
}

// addParity spreads 56 bits over eight octets, seven bits each shifted
// above an odd parity bit.
func addParity(u uint64) uint64 {
	var out uint64
	for i := 0; i < 8; i++ {
		b := byte(u>>(7*uint(i))&0x7f) << 1
		out |= uint64(b) << (8 * uint(i))
	}
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, out)
	setOddParity(k)
	return binary.BigEndian.Uint64(k)
}

// weakKeys are the DES weak and semi-weak keys with odd parity.
var weakKeys = [...]uint64{
	0x0101010101010101, 0xFEFEFEFEFEFEFEFE,
	0xE0E0E0E0F1F1F1F1, 0x1F1F1F1F0E0E0E0E,
	0x011F011F010E010E, 0x1F011F010E010E01,
	0x01E001E001F101F1, 0xE001E001F101F101,
	0x01FE01FE01FE01FE, 0xFE01FE01FE01FE01,
	0x1FE01FE00EF10EF1, 0xE01FE01FF10EF10E,
	0x1FFE1FFE0EFE0EFE, 0xFE1FFE1FFE0EFE0E,
	0xE0FEE0FEF1FEF1FE, 0xFEE0FEE0FEF1FEF1,
}

// fixWeakKey XORs the last octet of a weak or semi-weak key with 0xF0.
func fixWeakKey(k []byte) {
	u := binary.BigEndian.Uint64(k)
	for _, w := range weakKeys {
		if u == w {
			k[7] ^= 0xF0
			return
		}
	}
}

// desMAC is rsa-md4-des and rsa-md5-des: a confounded digest encrypted
// with the key XOR F0F0F0F0F0F0F0F0.
type desMAC struct {
	id   int32
	name string
	hash func() hash.Hash
}

func (c *desMAC) ID() int32 { return c.id }
func (c *desMAC) Name() string { return c.name }
func (c *desMAC) Size() int { return des.BlockSize + c.hash().Size() }
func (c *desMAC) Keyed() bool { return true }

func (c *desMAC) Compatible(etype int32) bool {
	for _, e := range desETypes {
		if e == etype {
			return true
		}
	}
	return false
}

func (c *desMAC) block(key []byte) (cipher.Block, error) {
	if len(key) != des.BlockSize {
		return nil, cryptoErr("checksum", 0, fmt.Errorf("%w: key is %d bytes, want 8", ErrInvalidInput, len(key)))
	}
	k := make([]byte, des.BlockSize)
	for i := range k {
		k[i] = key[i] ^ 0xF0
	}
	return des.NewCipher(k)
}

func (c *desMAC) digest(conf, data []byte) []byte {
	h := c.hash()
	h.Write(conf)
	h.Write(data)
	return h.Sum(nil)
}

func (c *desMAC) Checksum(key []byte, usage uint32, data []byte) ([]byte, error) {
	b, err := c.block(key)
	if err != nil {
		return nil, err
	}
	conf, err := confounder(des.BlockSize)
	if err != nil {
		return nil, err
	}
	plain := append(conf, c.digest(conf, data)...)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(b, make([]byte, des.BlockSize)).CryptBlocks(out, plain)
	return out, nil
}

func (c *desMAC) Verify(key []byte, usage uint32, data, sum []byte) bool {
	if len(sum) != c.Size() {
		return false
	}
	b, err := c.block(key)
	if err != nil {
		return false
	}
	plain := make([]byte, len(sum))
	cipher.NewCBCDecrypter(b, make([]byte, des.BlockSize)).CryptBlocks(plain, sum)
	return hmac.Equal(plain[des.BlockSize:], c.digest(plain[:des.BlockSize], data))
}
