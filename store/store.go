// Package store holds principal records: their long-term keys, flags and
// ticket policy.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
)

var (
	// ErrNotFound is returned by Get and Delete when the principal is absent.
	ErrNotFound = errors.New("store: principal not found")
	// ErrReadOnly is returned by writes to a read-only backend.
	ErrReadOnly = errors.New("store: backend is read-only")
)

// BackendError wraps a failure of the underlying storage.
type BackendError struct {
	Op        string
	Principal string
	Err       error
}

func (e *BackendError) Error() string {
	if e.Principal == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Principal, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Backend stores principal entries keyed by "name@REALM".
type Backend interface {
	Get(ctx context.Context, principal krb5.PrincipalName, realm string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, principal krb5.PrincipalName, realm string) error
	// List returns entries with keys in [start, end) in key order. An empty
	// end is unbounded.
	List(ctx context.Context, start, end string) ([]*Entry, error)
}

// Flags are per-principal policy bits.
type Flags uint32

const (
	// FlagRequiresPreauth refuses AS exchanges without pre-authentication.
	FlagRequiresPreauth Flags = 1 << iota
	// FlagDisabled refuses every exchange for the principal.
	FlagDisabled
	FlagForwardable
	FlagProxiable
	FlagRenewable
	// FlagNoTGS refuses service tickets for the principal as a server.
	FlagNoTGS
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagRequiresPreauth, "requires_preauth"},
	{FlagDisabled, "disabled"},
	{FlagForwardable, "forwardable"},
	{FlagProxiable, "proxiable"},
	{FlagRenewable, "renewable"},
	{FlagNoTGS, "no_tgs"},
}

// Has reports whether every bit of o is set.
func (f Flags) Has(o Flags) bool { return f&o == o }

// ParseFlag returns the flag with the given configuration name.
func ParseFlag(name string) (Flags, error) {
	for _, n := range flagNames {
		if n.name == name {
			return n.f, nil
		}
	}
	return 0, fmt.Errorf("store: unknown flag %q", name)
}

func (f Flags) String() string {
	var s []string
	for _, n := range flagNames {
		if f.Has(n.f) {
			s = append(s, n.name)
		}
	}
	return fmt.Sprint(s)
}

// Entry is a principal record.
type Entry struct {
	Principal krb5.PrincipalName
	Realm     string
	Keys      map[int32]crypto.EncryptionKey
	KVNO      uint32
	Flags     Flags

	// ValidFrom and ValidUntil bound when the principal may be used. Zero
	// means unbounded.
	ValidFrom  time.Time
	ValidUntil time.Time

	// MaxLife and MaxRenew cap ticket lifetimes. Zero defers to the realm.
	MaxLife  time.Duration
	MaxRenew time.Duration

	// Salt overrides the default salt when set.
	Salt string
}

// Key returns "name@REALM", the backend key of the entry.
func (e *Entry) Key() string {
	return Key(e.Principal, e.Realm)
}

// Key returns the backend key for principal@realm.
func Key(principal krb5.PrincipalName, realm string) string {
	return principal.String() + "@" + realm
}

// EncryptionKey returns the key for etype, with the entry KVNO.
func (e *Entry) EncryptionKey(etype int32) (crypto.EncryptionKey, bool) {
	k, ok := e.Keys[etype]
	if !ok {
		return crypto.EncryptionKey{}, false
	}
	k.KVNO = e.KVNO
	return k, true
}

// ETypes returns the etypes the entry has keys for, strongest first
// according to crypto.Strong and then ascending.
func (e *Entry) ETypes() []int32 {
	out := make([]int32, 0, len(e.Keys))
	for et := range e.Keys {
		out = append(out, et)
	}
	rank := func(et int32) int {
		if i := slices.Index(crypto.Strong, et); i >= 0 {
			return i
		}
		return len(crypto.Strong) + int(et)
	}
	sort.Slice(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

// SaltFor returns the salt used to derive the entry's password keys.
func (e *Entry) SaltFor() string {
	if e.Salt != "" {
		return e.Salt
	}
	return crypto.Salt(e.Realm, e.Principal.NameString)
}

// ValidAt reports whether t is within the entry's validity window.
func (e *Entry) ValidAt(t time.Time) bool {
	if !e.ValidFrom.IsZero() && t.Before(e.ValidFrom) {
		return false
	}
	if !e.ValidUntil.IsZero() && !t.Before(e.ValidUntil) {
		return false
	}
	return true
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Principal.NameString = slices.Clone(e.Principal.NameString)
	c.Keys = make(map[int32]crypto.EncryptionKey, len(e.Keys))
	for et, k := range e.Keys {
		k.KeyValue = slices.Clone(k.KeyValue)
		c.Keys[et] = k
	}
	return &c
}

// NewEntryFromPassword derives a key for each etype with the default salt.
func NewEntryFromPassword(principal krb5.PrincipalName, realm, password string, kvno uint32, etypes []int32) (*Entry, error) {
	e := &Entry{
		Principal: principal,
		Realm:     realm,
		KVNO:      kvno,
		Keys:      make(map[int32]crypto.EncryptionKey, len(etypes)),
	}
	salt := e.SaltFor()
	for _, et := range etypes {
		k, err := crypto.StringToKey(et, password, salt, nil)
		if err != nil {
			return nil, fmt.Errorf("store: derive %s key: %w", e.Key(), err)
		}
		k.KVNO = kvno
		e.Keys[et] = k
	}
	return e, nil
}

// NewRandomEntry generates a random key for each etype. Used for krbtgt
// and service principals without passwords.
func NewRandomEntry(principal krb5.PrincipalName, realm string, kvno uint32, etypes []int32) (*Entry, error) {
	e := &Entry{
		Principal: principal,
		Realm:     realm,
		KVNO:      kvno,
		Keys:      make(map[int32]crypto.EncryptionKey, len(etypes)),
	}
	for _, et := range etypes {
		k, err := crypto.GenerateKey(et)
		if err != nil {
			return nil, fmt.Errorf("store: generate %s key: %w", e.Key(), err)
		}
		k.KVNO = kvno
		e.Keys[et] = k
	}
	return e, nil
}

func inRange(key, start, end string) bool {
	return key >= start && (end == "" || key < end)
}
