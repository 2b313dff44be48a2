package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	gkcrypto "github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/der"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestNfold(t *testing.T) {
	tests := []struct {
		in   string
		bits int
		want string
	}{
		{"012345", 64, "be072631276b1955"},
		{"password", 56, "78a07b6caf85fa"},
		{"Rough Consensus, and Running Code", 64, "bb6ed30870b7f0e0"},
		{"password", 168, "59e4a8ca7c0385c3c37b3f6d2000247cb6e6bd5b3e"},
		{"MASSACHVSETTS INSTITVTE OF TECHNOLOGY", 192, "db3b0d8f0b061e603282b308a50841229ad798fab9540c1b"},
		{"Q", 168, "518a54a215a8452a518a54a215a8452a518a54a215"},
		{"ba", 168, "fb25d531ae8974499f52fd92ea9857c4ba24cf297e"},
		{"kerberos", 64, "6b65726265726f73"},
		{"kerberos", 128, "6b65726265726f737b9b5b2b93132b93"},
		{"kerberos", 168, "8372c236344e5f1550cd0747e15d62ca7a5a3bcea4"},
		{"kerberos", 256, "6b65726265726f737b9b5b2b93132b935c9bdcdad95c9899c4cae4dee6d6cae4"},
	}
	for _, tt := range tests {
		got := Nfold([]byte(tt.in), tt.bits)
		assert.Equal(t, tt.want, hex.EncodeToString(got), "%d-fold(%q)", tt.bits, tt.in)
	}
	assert.Nil(t, Nfold(nil, 64))
	assert.Nil(t, Nfold([]byte("x"), 12))
}

func TestStringToKeyVectors(t *testing.T) {
	one := []byte{0, 0, 0, 1}
	tests := []struct {
		name   string
		etype  int32
		params []byte
		want   string
	}{
		{"aes128", ETypeAES128CTSHMACSHA196, one, "42263c6e89f4fc28b8df68ee09799f15"},
		{"aes256", ETypeAES256CTSHMACSHA196, one, "fe697b52bc0d3ce14432ba036a92e65bbb52280990a2fa27883998d72af30161"},
		{"des", ETypeDESCBCMD5, nil, "cbc22fae235298e3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := StringToKey(tt.etype, "password", "ATHENA.MIT.EDUraeburn", tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hex.EncodeToString(k.KeyValue))
			assert.Equal(t, tt.etype, k.KeyType)
		})
	}
}

// RFC 6803 section 10.
func TestCamelliaStringToKeyVectors(t *testing.T) {
	tests := []struct {
		name  string
		etype int32
		iter  byte
		want  string
	}{
		{"128 iter 1", ETypeCamellia128CTSCMAC, 1, "57d0297298ffd9d35de5a47fb4bde24b"},
		{"256 iter 1", ETypeCamellia256CTSCMAC, 1, "b9d6828b2056b7be656d88a123b1fac68214ac2b727ecf5f69afe0c4df2a6d2c"},
		{"128 iter 2", ETypeCamellia128CTSCMAC, 2, "73f1b53aa0f310f93b1de8ccaa0cb152"},
		{"256 iter 2", ETypeCamellia256CTSCMAC, 2, "83fc5866e5f8f4c6f38663c65c87549f342bc47ed394dc9d3cd4d163ade375e0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := StringToKey(tt.etype, "password", "ATHENA.MIT.EDUraeburn", []byte{0, 0, 0, tt.iter})
			require.NoError(t, err)
			assert.Equal(t, tt.want, hex.EncodeToString(k.KeyValue))
		})
	}
}

// RFC 6803 section 10.
func TestCamelliaChecksumVectors(t *testing.T) {
	tests := []struct {
		cksum int32
		etype int32
		key   string
		usage uint32
		data  string
		want  string
	}{
		{CksumCMACCamellia128, ETypeCamellia128CTSCMAC, "1dc46a8d763f4f93742bcba3387576c3", 7, "abcdefghijk", "1178e6c5c47a8c1ae0c4b9c7d4eb7b6b"},
		{CksumCMACCamellia128, ETypeCamellia128CTSCMAC, "5027bc231d0f3a9d23333f1ca6fdbe7c", 8, "ABCDEFGHIJKLMNOPQRSTUVWXYZ", "d1b34f7004a731f23a0c00bf6c3f753a"},
		{CksumCMACCamellia256, ETypeCamellia256CTSCMAC, "b61c86cc4e5d2757545ad423399fb7031ecab913cbb900bd7a3c6dd8bf92015b", 9, "123456789", "87a12cfd2b96214810f01c826e7744b1"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("usage %d", tt.usage), func(t *testing.T) {
			key := EncryptionKey{KeyType: tt.etype, KeyValue: mustHex(t, tt.key)}
			c, err := MakeChecksumType(tt.cksum, key, tt.usage, []byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, hex.EncodeToString(c.Checksum))
			assert.NoError(t, VerifyChecksum(key, tt.usage, []byte(tt.data), c))
		})
	}
}

// The AES raw cipher is CBC-CTS with a zero IV; RFC 3962 appendix B.
func TestAESCiphertextStealing(t *testing.T) {
	e, err := Lookup(ETypeAES128CTSHMACSHA196)
	require.NoError(t, err)
	s := e.(*simplified)
	key := []byte("chicken teriyaki")
	tests := []struct {
		plain string
		want  string
	}{
		{"I would like the ", "c6353568f2bf8cb4d8a580362da7ff7f97"},
		{"I would like the General Gau's ", "fc00783e0efdb2c1d445d4c8eff7ed2297687268d6ecccc0c07b25e25ecfe5"},
		{"I would like the General Gau's C", "39312523a78662d5be7fcbcc98ebf5a897687268d6ecccc0c07b25e25ecfe584"},
	}
	for _, tt := range tests {
		got, err := s.encryptRaw(key, []byte(tt.plain))
		require.NoError(t, err)
		assert.Equal(t, tt.want, hex.EncodeToString(got), "%d bytes", len(tt.plain))

		pt, err := s.decryptRaw(key, mustHex(t, tt.want))
		require.NoError(t, err)
		assert.Equal(t, tt.plain, string(pt))
	}
}

func TestNTHash(t *testing.T) {
	k, err := StringToKey(ETypeRC4HMAC, "password", "ignored", nil)
	require.NoError(t, err)
	assert.Equal(t, "8846f7eaee8fb117ad06bdd830b7586c", hex.EncodeToString(k.KeyValue))
}

func TestStringToKeyMatchesGokrb5(t *testing.T) {
	for _, id := range []int32{ETypeAES128CTSHMACSHA196, ETypeAES256CTSHMACSHA196, ETypeDES3CBCSHA1KD, ETypeRC4HMAC} {
		e, err := Lookup(id)
		require.NoError(t, err)
		gk, err := gkcrypto.GetEtype(id)
		require.NoError(t, err)

		want, err := gk.StringToKey("s3cret pass", "EXAMPLE.COMalice", gk.GetDefaultStringToKeyParams())
		require.NoError(t, err)
		got, err := e.StringToKey("s3cret pass", "EXAMPLE.COMalice", nil)
		require.NoError(t, err)
		assert.Equal(t, want, got, e.Name())
	}
}

func TestStringToKeyParams(t *testing.T) {
	_, err := StringToKey(ETypeAES128CTSHMACSHA196, "p", "s", []byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = StringToKey(ETypeAES128CTSHMACSHA196, "p", "s", []byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = StringToKey(ETypeDES3CBCSHA1KD, "p", "s", []byte{0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Explicit default params match the implicit default.
	e, err := Lookup(ETypeCamellia128CTSCMAC)
	require.NoError(t, err)
	a, err := e.StringToKey("p", "s", nil)
	require.NoError(t, err)
	b, err := e.StringToKey("p", "s", e.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 7, 8, 9, 15, 16, 17, 31, 32, 33, 64, 100}
	for _, id := range ETypes() {
		e, err := Lookup(id)
		require.NoError(t, err)
		t.Run(e.Name(), func(t *testing.T) {
			key, err := GenerateKey(id)
			require.NoError(t, err)
			require.NoError(t, key.Validate())
			for _, n := range lengths {
				pt := bytes.Repeat([]byte{0x5a}, n)
				ed, err := Encrypt(key, KeyUsageTicket, pt)
				require.NoError(t, err, "length %d", n)
				assert.Equal(t, id, ed.EType)

				got, err := Decrypt(key, KeyUsageTicket, ed)
				require.NoError(t, err, "length %d", n)
				require.GreaterOrEqual(t, len(got), n)
				assert.Equal(t, pt, got[:n], "length %d", n)
				assert.Equal(t, make([]byte, len(got)-n), got[n:], "padding must be zero")
			}
		})
	}
}

func TestDecryptTampered(t *testing.T) {
	for _, id := range ETypes() {
		key, err := GenerateKey(id)
		require.NoError(t, err)
		ed, err := Encrypt(key, KeyUsageASRepEncPart, []byte("attack at dawn, bring snacks"))
		require.NoError(t, err)

		ed.Cipher[len(ed.Cipher)/2] ^= 0x01
		_, err = Decrypt(key, KeyUsageASRepEncPart, ed)
		assert.ErrorIs(t, err, ErrIntegrity, "etype %d", id)

		_, err = Decrypt(key, KeyUsageASRepEncPart, EncryptedData{EType: id, Cipher: []byte{1, 2, 3, 4, 5}})
		assert.ErrorIs(t, err, ErrInvalidInput, "etype %d", id)
	}
}

func TestUsageSeparation(t *testing.T) {
	for _, id := range ETypes() {
		key, err := GenerateKey(id)
		require.NoError(t, err)
		ed, err := Encrypt(key, KeyUsageASRepEncPart, []byte("usage bound"))
		require.NoError(t, err)
		_, err = Decrypt(key, KeyUsageTGSReqAuthData, ed)
		switch id {
		case ETypeDESCBCCRC, ETypeDESCBCMD4, ETypeDESCBCMD5:
			// Single DES ignores the key usage.
			assert.NoError(t, err)
		default:
			assert.ErrorIs(t, err, ErrIntegrity, "etype %d", id)
		}
	}
}

func TestDecryptWrongKeyType(t *testing.T) {
	k1, err := GenerateKey(ETypeAES128CTSHMACSHA196)
	require.NoError(t, err)
	k2, err := GenerateKey(ETypeAES256CTSHMACSHA196)
	require.NoError(t, err)
	ed, err := Encrypt(k1, KeyUsageTicket, []byte("x"))
	require.NoError(t, err)
	_, err = Decrypt(k2, KeyUsageTicket, ed)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestInteropGokrb5(t *testing.T) {
	pt := []byte("0123456789abcdef0123456789abcdef")
	for _, id := range []int32{ETypeAES128CTSHMACSHA196, ETypeAES256CTSHMACSHA196, ETypeDES3CBCSHA1KD, ETypeRC4HMAC} {
		e, err := Lookup(id)
		require.NoError(t, err)
		gk, err := gkcrypto.GetEtype(id)
		require.NoError(t, err)
		t.Run(e.Name(), func(t *testing.T) {
			key, err := GenerateKey(id)
			require.NoError(t, err)
			gkKey := types.EncryptionKey{KeyType: id, KeyValue: key.KeyValue}

			ct, err := e.Encrypt(key.KeyValue, KeyUsageASRepEncPart, pt)
			require.NoError(t, err)
			got, err := gk.DecryptMessage(key.KeyValue, ct, KeyUsageASRepEncPart)
			require.NoError(t, err)
			assert.Equal(t, pt, got)

			ed, err := gkcrypto.GetEncryptedData(pt, gkKey, KeyUsageTGSRepEncPart, 0)
			require.NoError(t, err)
			got, err = e.Decrypt(key.KeyValue, KeyUsageTGSRepEncPart, ed.Cipher)
			require.NoError(t, err)
			assert.Equal(t, pt, got)

			c, err := MakeChecksum(key, KeyUsageTGSReqChecksum, pt)
			require.NoError(t, err)
			want, err := gk.GetChecksumHash(key.KeyValue, pt, KeyUsageTGSReqChecksum)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(want), len(c.Checksum))
			assert.Equal(t, want[:len(c.Checksum)], c.Checksum)
		})
	}
}

func TestChecksums(t *testing.T) {
	data := []byte("the quick brown fox")
	for id, ct := range checksums {
		t.Run(ct.Name(), func(t *testing.T) {
			etype := ETypeAES256CTSHMACSHA196
			for _, e := range ETypes() {
				if ct.Compatible(e) {
					etype = e
					break
				}
			}
			key, err := GenerateKey(etype)
			require.NoError(t, err)

			c, err := MakeChecksumType(id, key, KeyUsageTGSReqChecksum, data)
			require.NoError(t, err)
			assert.Len(t, c.Checksum, ct.Size())
			assert.NoError(t, VerifyChecksum(key, KeyUsageTGSReqChecksum, data, c))

			err = VerifyChecksum(key, KeyUsageTGSReqChecksum, []byte("the quick brown fix"), c)
			assert.ErrorIs(t, err, ErrIntegrity)

			if ct.Keyed() {
				c2, err := MakeChecksumType(id, key, KeyUsageTGSReqChecksum, data)
				require.NoError(t, err)
				if id != CksumRSAMD4DES && id != CksumRSAMD5DES {
					// Confounded checksums differ on every call.
					assert.Equal(t, c.Checksum, c2.Checksum)
				}
				other, err := GenerateKey(etype)
				require.NoError(t, err)
				assert.Error(t, VerifyChecksum(other, KeyUsageTGSReqChecksum, data, c))
			}
		})
	}
}

func TestChecksumIncompatibleKey(t *testing.T) {
	aes, err := GenerateKey(ETypeAES128CTSHMACSHA196)
	require.NoError(t, err)
	c, err := MakeChecksum(aes, KeyUsageTGSReqChecksum, []byte("x"))
	require.NoError(t, err)
	des3, err := GenerateKey(ETypeDES3CBCSHA1KD)
	require.NoError(t, err)
	err = VerifyChecksum(des3, KeyUsageTGSReqChecksum, []byte("x"), c)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestCRC32(t *testing.T) {
	// Without preset or final inversion the CRC of zeros is zero.
	assert.Equal(t, []byte{0, 0, 0, 0}, crc32Sum(make([]byte, 16)))
	assert.NotEqual(t, crc32Sum([]byte("foo")), crc32Sum([]byte("fop")))
}

func TestCF2(t *testing.T) {
	for _, id := range []int32{ETypeAES128CTSHMACSHA196, ETypeAES256CTSHMACSHA196, ETypeDES3CBCSHA1KD, ETypeRC4HMAC, ETypeCamellia128CTSCMAC, ETypeDESCBCMD5} {
		k1, err := GenerateKey(id)
		require.NoError(t, err)
		k2, err := GenerateKey(ETypeAES256CTSHMACSHA196)
		require.NoError(t, err)

		a, err := CF2(k1, k2, "subkeyarmor", "ticketarmor")
		require.NoError(t, err)
		b, err := CF2(k1, k2, "subkeyarmor", "ticketarmor")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, id, a.KeyType)
		assert.NoError(t, a.Validate())

		c, err := CF2(k1, k2, "strengthenkey", "replykey")
		require.NoError(t, err)
		assert.NotEqual(t, a.KeyValue, c.KeyValue)
	}
}

func TestPRFPlusLength(t *testing.T) {
	k, err := GenerateKey(ETypeAES128CTSHMACSHA196)
	require.NoError(t, err)
	out, err := PRFPlus(k, []byte("pepper"), 40)
	require.NoError(t, err)
	assert.Len(t, out, 40)
	short, err := PRFPlus(k, []byte("pepper"), 16)
	require.NoError(t, err)
	assert.Equal(t, out[:16], short)
}

func TestRandomToKeyDES3Parity(t *testing.T) {
	e, err := Lookup(ETypeDES3CBCSHA1KD)
	require.NoError(t, err)
	k, err := e.RandomToKey(bytes.Repeat([]byte{0xa5}, 21))
	require.NoError(t, err)
	require.Len(t, k, 24)
	for i, c := range k {
		n := 0
		for j := 0; j < 8; j++ {
			n += int(c>>j) & 1
		}
		assert.Equal(t, 1, n%2, "byte %d has even parity", i)
	}
	_, err = e.RandomToKey(make([]byte, 20))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFixWeakKey(t *testing.T) {
	k := mustHex(t, "0101010101010101")
	fixWeakKey(k)
	assert.Equal(t, "01010101010101f1", hex.EncodeToString(k))
	k = mustHex(t, "fee0fee0fef1fef1")
	fixWeakKey(k)
	assert.Equal(t, "fee0fee0fef1fe01", hex.EncodeToString(k))
}

func TestLookup(t *testing.T) {
	_, err := Lookup(99)
	assert.ErrorIs(t, err, ErrUnsupported)
	var ce *CryptoError
	assert.True(t, errors.As(err, &ce))
	_, err = LookupChecksum(99)
	assert.ErrorIs(t, err, ErrUnsupported)

	e, err := LookupName("aes256-cts-hmac-sha1-96")
	require.NoError(t, err)
	assert.Equal(t, ETypeAES256CTSHMACSHA196, e.ID())
	assert.True(t, Supported(ETypeRC4HMAC))
	assert.False(t, Supported(20))
}

func TestEncryptedDataDER(t *testing.T) {
	ed := EncryptedData{EType: ETypeAES256CTSHMACSHA196, KVNO: 3, Cipher: []byte{1, 2, 3}}
	b, err := ed.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalEncryptedData(b)
	require.NoError(t, err)
	assert.Equal(t, ed, got)

	// A zero key version is omitted.
	ed.KVNO = 0
	b, err = ed.Marshal()
	require.NoError(t, err)
	v, err := der.Decode(b)
	require.NoError(t, err)
	children, err := v.Children()
	require.NoError(t, err)
	assert.Len(t, children, 2)

	key := EncryptionKey{KeyType: ETypeRC4HMAC, KeyValue: bytes.Repeat([]byte{7}, 16), KVNO: 9}
	kv, err := key.Value()
	require.NoError(t, err)
	gotKey, err := DecodeEncryptionKey(kv)
	require.NoError(t, err)
	assert.Equal(t, key.KeyValue, gotKey.KeyValue)
	assert.Equal(t, uint32(0), gotKey.KVNO, "kvno is not encoded")

	c := Checksum{CksumType: CksumHMACMD5, Checksum: []byte{9, 9}}
	cv, err := c.Value()
	require.NoError(t, err)
	gotC, err := DecodeChecksum(cv)
	require.NoError(t, err)
	assert.Equal(t, c, gotC)
}

func TestSalt(t *testing.T) {
	assert.Equal(t, "EXAMPLE.COMhostkdc.example.com", Salt("EXAMPLE.COM", []string{"host", "kdc.example.com"}))
}
