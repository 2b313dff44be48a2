package store

import (
	"context"
	"sort"
	"time"

	"github.com/kardianos/gokdc/keytab"
	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
)

// Keytab is a read-only Backend over the keys in a keytab. Each principal
// gets the highest kvno present; older keys are dropped.
type Keytab struct {
	entries map[string]*Entry
}

var _ Backend = (*Keytab)(nil)

// FromKeytab indexes the entries of kt.
func FromKeytab(kt *keytab.Keytab) *Keytab {
	s := &Keytab{entries: make(map[string]*Entry)}
	for _, ke := range kt.Entries() {
		key := Key(ke.Principal, ke.Realm)
		e, ok := s.entries[key]
		if !ok || ke.KVNO > e.KVNO {
			e = &Entry{
				Principal: ke.Principal,
				Realm:     ke.Realm,
				KVNO:      ke.KVNO,
				Keys:      make(map[int32]crypto.EncryptionKey),
			}
			s.entries[key] = e
		}
		if ke.KVNO == e.KVNO {
			e.Keys[ke.Key.KeyType] = ke.Key
		}
	}
	return s
}

func (s *Keytab) Get(ctx context.Context, principal krb5.PrincipalName, realm string) (*Entry, error) {
	e, ok := s.entries[Key(principal, realm)]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Keytab) Put(ctx context.Context, e *Entry) error {
	return &BackendError{Op: "put", Principal: e.Key(), Err: ErrReadOnly}
}

func (s *Keytab) Delete(ctx context.Context, principal krb5.PrincipalName, realm string) error {
	return &BackendError{Op: "delete", Principal: Key(principal, realm), Err: ErrReadOnly}
}

func (s *Keytab) List(ctx context.Context, start, end string) ([]*Entry, error) {
	var out []*Entry
	for key, e := range s.entries {
		if inRange(key, start, end) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// ToKeytab writes every entry of b into a new keytab.
func ToKeytab(ctx context.Context, b Backend) (*keytab.Keytab, error) {
	entries, err := b.List(ctx, "", "")
	if err != nil {
		return nil, err
	}
	kt := keytab.New()
	now := time.Now()
	for _, e := range entries {
		for _, et := range e.ETypes() {
			kt.AddEntry(e.Principal, e.Realm, e.KVNO, e.Keys[et], now)
		}
	}
	return kt, nil
}
