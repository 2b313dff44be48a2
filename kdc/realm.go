package kdc

import (
	"context"
	"errors"
	"fmt"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/store"
)

// EnsureRealm creates krbtgt/REALM@REALM with random keys if the store
// does not hold it yet. It reports whether the principal was created.
func EnsureRealm(ctx context.Context, b store.Backend, realm string, etypes []int32) (bool, error) {
	name := krb5.TGSName(realm)
	_, err := b.Get(ctx, name, realm)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	ent, err := store.NewRandomEntry(name, realm, 1, etypes)
	if err != nil {
		return false, err
	}
	if err := b.Put(ctx, ent); err != nil {
		return false, fmt.Errorf("create %s: %w", ent.Key(), err)
	}
	return true, nil
}
