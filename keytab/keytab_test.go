package keytab

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gokeytab "github.com/jcmturner/gokrb5/v8/keytab"
	gotypes "github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustKey(t *testing.T, etype int32, password string, realm string, name krb5.PrincipalName) crypto.EncryptionKey {
	t.Helper()
	k, err := crypto.StringToKey(etype, password, crypto.Salt(realm, name.NameString), nil)
	require.NoError(t, err)
	return k
}

func TestRoundTrip(t *testing.T) {
	alice := krb5.NewPrincipalName(krb5.NameTypePrincipal, "alice")
	http := krb5.NewPrincipalName(krb5.NameTypeSrvHst, "HTTP/www.example.com")

	kt := New()
	kt.AddEntry(alice, "EXAMPLE.COM", 1, mustKey(t, crypto.ETypeAES256CTSHMACSHA196, "old", "EXAMPLE.COM", alice), ts)
	kt.AddEntry(alice, "EXAMPLE.COM", 2, mustKey(t, crypto.ETypeAES256CTSHMACSHA196, "new", "EXAMPLE.COM", alice), ts)
	kt.AddEntry(alice, "EXAMPLE.COM", 2, mustKey(t, crypto.ETypeAES128CTSHMACSHA196, "new", "EXAMPLE.COM", alice), ts)
	kt.AddEntry(http, "EXAMPLE.COM", 300, mustKey(t, crypto.ETypeAES256CTSHMACSHA196, "svc", "EXAMPLE.COM", http), ts)

	b, err := kt.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x02}, b[:2])

	got, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, Version2, got.Version())
	assert.Equal(t, kt.Entries(), got.Entries())

	again, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b, again)

	// The 32-bit kvno survives where the 8-bit field wraps.
	k, err := got.FindKey(http, "EXAMPLE.COM", 300, crypto.ETypeAES256CTSHMACSHA196)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), k.KVNO)

	assert.Equal(t, []string{"HTTP/www.example.com@EXAMPLE.COM", "alice@EXAMPLE.COM"}, got.Principals())
}

func TestEmpty(t *testing.T) {
	b, err := New().Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x02}, b)

	kt, err := Parse(b)
	require.NoError(t, err)
	assert.Empty(t, kt.Entries())
	assert.Equal(t, Version2, kt.Version())
}

// A keytab written by gokrb5 and one written here are byte-identical.
func TestMarshalMatchesGokrb5(t *testing.T) {
	const realm = "EXAMPLE.COM"
	theirs := gokeytab.New()
	require.NoError(t, theirs.AddEntry("HTTP/www.example.com", realm, "svc", ts, 4, crypto.ETypeAES256CTSHMACSHA196))
	want, err := theirs.Marshal()
	require.NoError(t, err)

	kt, err := Parse(want)
	require.NoError(t, err)
	e := kt.Entries()[0]
	assert.Equal(t, []string{"HTTP", "www.example.com"}, e.Principal.NameString)

	ours := New()
	ours.AddEntry(e.Principal, realm, 4, e.Key, ts)
	got, err := ours.Marshal()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFindKey(t *testing.T) {
	alice := krb5.NewPrincipalName(krb5.NameTypePrincipal, "alice")
	k1 := mustKey(t, crypto.ETypeAES256CTSHMACSHA196, "old", "EXAMPLE.COM", alice)
	k2 := mustKey(t, crypto.ETypeAES256CTSHMACSHA196, "new", "EXAMPLE.COM", alice)

	kt := New()
	kt.AddEntry(alice, "EXAMPLE.COM", 2, k2, ts)
	kt.AddEntry(alice, "EXAMPLE.COM", 1, k1, ts)

	tests := []struct {
		name  string
		realm string
		kvno  uint32
		etype int32
		want  []byte
		err   bool
	}{
		{"highest", "EXAMPLE.COM", 0, crypto.ETypeAES256CTSHMACSHA196, k2.KeyValue, false},
		{"exact", "EXAMPLE.COM", 1, crypto.ETypeAES256CTSHMACSHA196, k1.KeyValue, false},
		{"missing kvno", "EXAMPLE.COM", 9, crypto.ETypeAES256CTSHMACSHA196, nil, true},
		{"missing etype", "EXAMPLE.COM", 0, crypto.ETypeAES128CTSHMACSHA196, nil, true},
		{"wrong realm", "OTHER.COM", 0, crypto.ETypeAES256CTSHMACSHA196, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := kt.FindKey(alice, tt.realm, tt.kvno, tt.etype)
			if tt.err {
				assert.True(t, errors.Is(err, ErrKeyNotFound), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, k.KeyValue)
		})
	}
}

func TestParseHolesAndVersion1(t *testing.T) {
	alice := krb5.NewPrincipalName(krb5.NameTypePrincipal, "alice")
	key := mustKey(t, crypto.ETypeAES128CTSHMACSHA196, "secret", "EXAMPLE.COM", alice)

	// Version 1 entry in native order: the realm counts as a component, no
	// name type and no 32-bit kvno.
	o := binary.NativeEndian
	var body []byte
	body = o.AppendUint16(body, 2)
	body = o.AppendUint16(body, uint16(len("EXAMPLE.COM")))
	body = append(body, "EXAMPLE.COM"...)
	body = o.AppendUint16(body, uint16(len("alice")))
	body = append(body, "alice"...)
	body = o.AppendUint32(body, uint32(ts.Unix()))
	body = append(body, 7)
	body = o.AppendUint16(body, uint16(key.KeyType))
	body = o.AppendUint16(body, uint16(len(key.KeyValue)))
	body = append(body, key.KeyValue...)

	b := []byte{0x05, 0x01}
	hole := int32(-6)
	b = o.AppendUint32(b, uint32(hole))
	b = append(b, make([]byte, 6)...)
	b = o.AppendUint32(b, uint32(len(body)))
	b = append(b, body...)

	kt, err := Parse(b)
	require.NoError(t, err)
	require.Len(t, kt.Entries(), 1)
	e := kt.Entries()[0]
	assert.Equal(t, uint32(7), e.KVNO)
	assert.Equal(t, "EXAMPLE.COM", e.Realm)
	assert.Equal(t, []string{"alice"}, e.Principal.NameString)
	assert.Equal(t, ts, e.Timestamp)
	assert.Equal(t, key.KeyValue, e.Key.KeyValue)
}

func TestParseErrors(t *testing.T) {
	tests := map[string][]byte{
		"short":   {0x05},
		"magic":   {0x04, 0x02},
		"version": {0x05, 0x03},
		"overrun": {0x05, 0x02, 0x00, 0x00, 0x00, 0x10, 0x00},
		"body":    {0x05, 0x02, 0x00, 0x00, 0x00, 0x03, 0x00, 0x01, 0x00},
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(b)
			assert.True(t, errors.Is(err, ErrFormat), "err = %v", err)
		})
	}
}

func TestWriteLoad(t *testing.T) {
	alice := krb5.NewPrincipalName(krb5.NameTypePrincipal, "alice")
	kt := New()
	kt.AddEntry(alice, "EXAMPLE.COM", 1, mustKey(t, crypto.ETypeAES256CTSHMACSHA196, "secret", "EXAMPLE.COM", alice), ts)

	path := filepath.Join(t.TempDir(), "krb5.keytab")
	require.NoError(t, kt.Write(path))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, kt.Entries(), got.Entries())

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestInteropGokrb5(t *testing.T) {
	const realm = "EXAMPLE.COM"
	alice := krb5.NewPrincipalName(krb5.NameTypePrincipal, "alice")

	// gokrb5 writes, we read.
	theirs := gokeytab.New()
	require.NoError(t, theirs.AddEntry("alice", realm, "secret", ts, 3, crypto.ETypeAES256CTSHMACSHA196))
	b, err := theirs.Marshal()
	require.NoError(t, err)

	kt, err := Parse(b)
	require.NoError(t, err)
	k, err := kt.FindKey(alice, realm, 0, crypto.ETypeAES256CTSHMACSHA196)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), k.KVNO)
	assert.Equal(t, mustKey(t, crypto.ETypeAES256CTSHMACSHA196, "secret", realm, alice).KeyValue, k.KeyValue)

	// We write, gokrb5 reads.
	ours := New()
	ours.AddEntry(alice, realm, 5, mustKey(t, crypto.ETypeAES128CTSHMACSHA196, "secret", realm, alice), ts)
	b, err = ours.Marshal()
	require.NoError(t, err)

	parsed := gokeytab.New()
	require.NoError(t, parsed.Unmarshal(b))
	gk, kvno, err := parsed.GetEncryptionKey(gotypes.NewPrincipalName(krb5.NameTypePrincipal, "alice"), realm, 5, crypto.ETypeAES128CTSHMACSHA196)
	require.NoError(t, err)
	assert.Equal(t, 5, kvno)
	assert.Equal(t, ours.Entries()[0].Key.KeyValue, gk.KeyValue)
}
