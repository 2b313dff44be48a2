package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/store"
)

const sample = `
realm = "EXAMPLE.COM"
realms = ["EXAMPLE.COM", "OTHER.COM"]
listen = "127.0.0.1:8088"
require_preauth = true
clock_skew = "2m"
max_ticket_lifetime = "8h"
permitted_enctypes = ["aes256-cts-hmac-sha1-96", "aes128-cts-hmac-sha1-96"]
verbosity = 2
log_areas = ["kdc", "preauth"]

[store]
type = "memory"
cache_size = 64

[[principals]]
name = "alice"
password = "secret"
flags = ["requires_preauth", "renewable"]

[[principals]]
name = "cifs/fs.example.com"
random_key = true
kvno = 4
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "EXAMPLE.COM", f.Realm)
	assert.Equal(t, []string{"EXAMPLE.COM", "OTHER.COM"}, f.Realms)
	assert.Equal(t, "127.0.0.1:8088", f.Listen)
	assert.True(t, f.RequirePreauth)
	assert.Equal(t, 2, f.Verbosity)
	assert.Equal(t, "memory", f.Store.Type)
	assert.Equal(t, 64, f.Store.CacheSize)
	require.Len(t, f.Principals, 2)
	assert.True(t, f.Principals[1].Random)
	assert.Equal(t, uint32(4), f.Principals[1].KVNO)

	d, err := f.Durations()
	require.NoError(t, err)
	assert.Equal(t, Durations{
		Skew:     2 * time.Minute,
		MinLife:  5 * time.Minute,
		MaxLife:  8 * time.Hour,
		MaxRenew: 168 * time.Hour,
	}, d)

	etypes, err := f.ETypes()
	require.NoError(t, err)
	assert.Equal(t, []int32{crypto.ETypeAES256CTSHMACSHA196, crypto.ETypeAES128CTSHMACSHA196}, etypes)

	cfg, err := f.EngineConfig(store.NewMemory(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "EXAMPLE.COM", cfg.Realm)
	assert.Equal(t, 2*time.Minute, cfg.Skew)
	assert.Equal(t, 8*time.Hour, cfg.MaxLife)
	assert.True(t, cfg.RequirePreauth)
	assert.Equal(t, etypes, cfg.ETypes)
}

func TestDefaults(t *testing.T) {
	f, err := Parse([]byte(`realm = "EXAMPLE.COM"`))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, f.Listen)
	assert.Equal(t, "memory", f.Store.Type)

	etypes, err := f.ETypes()
	require.NoError(t, err)
	assert.Equal(t, crypto.Strong, etypes)

	d, err := f.Durations()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d.Skew)
	assert.Equal(t, 10*time.Hour, d.MaxLife)

	f.MaxRenewableLifetime = "0s"
	cfg, err := f.EngineConfig(store.NewMemory(), nil, nil)
	require.NoError(t, err)
	assert.Negative(t, cfg.MaxRenew)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "missing realm",
			input: `listen = ":88"`,
			want:  []string{"realm is required"},
		},
		{
			name: "collects every problem",
			input: `
realm = "EXAMPLE.COM"
listen = "no-port"
clock_skew = "soon"
min_ticket_lifetime = "-1m"
permitted_enctypes = ["aes256-cts-hmac-sha1-96", "rot13"]
verbosity = 7
log_areas = ["kdc", "disk"]

[store]
type = "bolt"

[[principals]]
name = "alice"

[[principals]]
name = "alice"
password = "x"
flags = ["sparkly"]
`,
			want: []string{
				"listen",
				"clock_skew",
				"min_ticket_lifetime: negative",
				"rot13",
				"verbosity 7",
				`unknown area "disk"`,
				"bolt store needs a path",
				"exactly one of password and random_key",
				`duplicate "alice"`,
				`unknown flag "sparkly"`,
			},
		},
		{
			name: "min above max",
			input: `
realm = "EXAMPLE.COM"
min_ticket_lifetime = "2h"
max_ticket_lifetime = "1h"
`,
			want: []string{"exceeds max_ticket_lifetime"},
		},
		{
			name: "keytab store is read-only",
			input: `
realm = "EXAMPLE.COM"
[store]
type = "keytab"
path = "/etc/krb5.keytab"
[[principals]]
name = "alice"
password = "x"
`,
			want: []string{"read-only"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			var merr *multierror.Error
			require.ErrorAs(t, err, &merr)
			for _, w := range tt.want {
				assert.ErrorContains(t, err, w)
			}
		})
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse([]byte(`realm = `))
	assert.Error(t, err)
}

func TestLoadAndSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gokdc.toml")
	data := sample + "\n"
	data = replaceStore(data, filepath.Join(dir, "principals.db"))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bolt", f.Store.Type)

	b, closeFn, err := f.OpenStore(nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, f.Seed(ctx, b))

	alice, err := b.Get(ctx, krb5.NewPrincipalName(krb5.NameTypePrincipal, "alice"), "EXAMPLE.COM")
	require.NoError(t, err)
	assert.True(t, alice.Flags.Has(store.FlagRequiresPreauth|store.FlagRenewable))
	want, err := crypto.StringToKey(crypto.ETypeAES256CTSHMACSHA196, "secret", "EXAMPLE.COMalice", nil)
	require.NoError(t, err)
	got, ok := alice.EncryptionKey(crypto.ETypeAES256CTSHMACSHA196)
	require.True(t, ok)
	assert.Equal(t, want.KeyValue, got.KeyValue)

	svc, err := b.Get(ctx, krb5.NewPrincipalName(krb5.NameTypeSrvInst, "cifs/fs.example.com"), "EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), svc.KVNO)
	assert.Len(t, svc.Keys, 2)

	for _, r := range []string{"EXAMPLE.COM", "OTHER.COM"} {
		_, err := b.Get(ctx, krb5.TGSName(r), r)
		assert.NoError(t, err, r)
	}
	require.NoError(t, closeFn())

	// Seeding again keeps the random keys.
	b, closeFn, err = f.OpenStore(nil)
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, f.Seed(ctx, b))
	again, err := b.Get(ctx, krb5.NewPrincipalName(krb5.NameTypeSrvInst, "cifs/fs.example.com"), "EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, svc.Keys, again.Keys)
}

func replaceStore(data, path string) string {
	return string(bytes.Replace([]byte(data),
		[]byte("[store]\ntype = \"memory\"\ncache_size = 64"),
		[]byte("[store]\ntype = \"bolt\"\npath = \""+filepath.ToSlash(path)+"\"\ncache_size = 64"), 1))
}

func TestLogger(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	var buf bytes.Buffer
	l := f.Logger(&buf)
	require.NotNil(t, l)
	assert.Equal(t, 2, l.Verbosity())
}
