// Package keytab reads and writes the MIT keytab file format.
//
// A keytab starts with the byte 0x05 followed by the format version. Version
// 2 uses big-endian integers; version 1 uses the byte order of the host that
// wrote it, read here as native order. Entries follow, each preceded by a
// signed 32-bit size. A negative size marks a hole left by a deleted entry.
//
// The byte-level codec is gokrb5's keytab package; this package keeps the
// entries in the repository's own principal and key types.
package keytab

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
)

const (
	// Version1 is the host byte order format.
	Version1 = 1
	// Version2 is the big-endian format and the one written by Marshal.
	Version2 = 2
)

var (
	// ErrFormat is wrapped by every parse failure.
	ErrFormat = errors.New("keytab: malformed data")
	// ErrKeyNotFound is returned by FindKey when nothing matches.
	ErrKeyNotFound = errors.New("keytab: key not found")
)

// Entry is one key of one principal.
type Entry struct {
	Principal krb5.PrincipalName
	Realm     string
	Timestamp time.Time
	KVNO      uint32
	Key       crypto.EncryptionKey
}

// Keytab is an in-memory keytab.
type Keytab struct {
	version byte
	entries []Entry
}

// New returns an empty version 2 keytab.
func New() *Keytab {
	return &Keytab{version: Version2}
}

// Version returns the format version the keytab was read with.
func (kt *Keytab) Version() int {
	return int(kt.version)
}

// Entries returns a copy of the entries in file order.
func (kt *Keytab) Entries() []Entry {
	out := make([]Entry, len(kt.entries))
	copy(out, kt.entries)
	return out
}

// AddEntry appends a key. The key's KVNO is set to kvno.
func (kt *Keytab) AddEntry(principal krb5.PrincipalName, realm string, kvno uint32, key crypto.EncryptionKey, ts time.Time) {
	key.KVNO = kvno
	kt.entries = append(kt.entries, Entry{
		Principal: principal,
		Realm:     realm,
		Timestamp: ts.UTC().Truncate(time.Second),
		KVNO:      kvno,
		Key:       key,
	})
}

// FindKey returns the key of principal@realm with the given etype. A kvno of
// zero selects the highest version present; ties go to the later entry.
func (kt *Keytab) FindKey(principal krb5.PrincipalName, realm string, kvno uint32, etype int32) (crypto.EncryptionKey, error) {
	var found *Entry
	for i := range kt.entries {
		e := &kt.entries[i]
		if e.Realm != realm || !e.Principal.Equal(principal) || e.Key.KeyType != etype {
			continue
		}
		if kvno != 0 && e.KVNO != kvno {
			continue
		}
		if found == nil || e.KVNO >= found.KVNO {
			found = e
		}
	}
	if found == nil {
		return crypto.EncryptionKey{}, fmt.Errorf("%w: %s@%s kvno %d etype %d", ErrKeyNotFound, principal, realm, kvno, etype)
	}
	key := found.Key
	key.KVNO = found.KVNO
	return key, nil
}

// Principals returns each distinct principal@realm once, sorted.
func (kt *Keytab) Principals() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range kt.entries {
		s := e.Principal.String() + "@" + e.Realm
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Load reads and parses the keytab at path.
func Load(path string) (*Keytab, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keytab: %w", err)
	}
	return Parse(b)
}

// Write marshals the keytab and writes it to path with mode 0600.
func (kt *Keytab) Write(path string) error {
	b, err := kt.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("keytab: %w", err)
	}
	return nil
}

func formatErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrFormat}, args...)...)
}
