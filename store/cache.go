package store

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krblog"
)

// DefaultCacheSize is used if no cache size is specified for NewCached.
const DefaultCacheSize = 1024

// Cached is a read-through cache over another Backend. Writes go to the
// backend and drop the cached entry. Misses are not cached.
type Cached struct {
	backend Backend
	lru     *lru.TwoQueueCache[string, *Entry]
	logger  *krblog.Logger
}

var _ Backend = (*Cached)(nil)

// NewCached wraps b with a 2Q cache of the given size.
func NewCached(b Backend, size int, logger *krblog.Logger) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New2Q[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	logger.Debugf(krblog.AreaStore, "creating LRU cache size=%d", size)
	return &Cached{backend: b, lru: c, logger: logger}, nil
}

func (c *Cached) Get(ctx context.Context, principal krb5.PrincipalName, realm string) (*Entry, error) {
	key := Key(principal, realm)
	if e, ok := c.lru.Get(key); ok {
		return e.Clone(), nil
	}
	e, err := c.backend.Get(ctx, principal, realm)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, e.Clone())
	return e, nil
}

func (c *Cached) Put(ctx context.Context, e *Entry) error {
	c.lru.Remove(e.Key())
	return c.backend.Put(ctx, e)
}

func (c *Cached) Delete(ctx context.Context, principal krb5.PrincipalName, realm string) error {
	c.lru.Remove(Key(principal, realm))
	err := c.backend.Delete(ctx, principal, realm)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Printf(krblog.AreaStore, "delete %s: %v", Key(principal, realm), err)
	}
	return err
}

// List always reads the backend.
func (c *Cached) List(ctx context.Context, start, end string) ([]*Entry, error) {
	return c.backend.List(ctx, start, end)
}

// Purge drops every cached entry.
func (c *Cached) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *Cached) Len() int {
	return c.lru.Len()
}
