// Package config loads the KDC configuration file.
//
// The file is TOML:
//
//	realm = "EXAMPLE.COM"
//	listen = ":88"
//	require_preauth = true
//	max_ticket_lifetime = "10h"
//	permitted_enctypes = ["aes256-cts-hmac-sha1-96"]
//
//	[store]
//	type = "bolt"
//	path = "/var/lib/gokdc/principals.db"
//
//	[[principals]]
//	name = "alice"
//	password = "secret"
//	flags = ["requires_preauth"]
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml"

	"github.com/kardianos/gokdc/kdc"
	"github.com/kardianos/gokdc/keytab"
	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krblog"
	"github.com/kardianos/gokdc/store"
)

// File is the decoded configuration file.
type File struct {
	Realm                string   `toml:"realm"`
	Realms               []string `toml:"realms"`
	Listen               string   `toml:"listen"`
	RequirePreauth       bool     `toml:"require_preauth"`
	ClockSkew            string   `toml:"clock_skew"`
	MinTicketLifetime    string   `toml:"min_ticket_lifetime"`
	MaxTicketLifetime    string   `toml:"max_ticket_lifetime"`
	MaxRenewableLifetime string   `toml:"max_renewable_lifetime"`
	PermittedEnctypes    []string `toml:"permitted_enctypes"`
	Verbosity            int      `toml:"verbosity"`
	LogAreas             []string `toml:"log_areas"`

	Store      Store       `toml:"store"`
	Principals []Principal `toml:"principals"`
}

// Store selects the principal backend.
type Store struct {
	// Type is "memory", "bolt" or "keytab".
	Type      string `toml:"type"`
	Path      string `toml:"path"`
	CacheSize int    `toml:"cache_size"`
}

// Principal is seeded into the store at startup when missing.
type Principal struct {
	Name     string   `toml:"name"`
	Password string   `toml:"password"`
	Random   bool     `toml:"random_key"`
	KVNO     uint32   `toml:"kvno"`
	Flags    []string `toml:"flags"`
}

// Durations are the parsed time settings.
type Durations struct {
	Skew     time.Duration
	MinLife  time.Duration
	MaxLife  time.Duration
	MaxRenew time.Duration
}

// Defaults used for settings the file leaves out.
const (
	DefaultListen    = ":88"
	DefaultSkew      = "5m"
	DefaultMinLife   = "5m"
	DefaultMaxLife   = "10h"
	DefaultMaxRenew  = "168h"
	DefaultStoreType = "memory"
)

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return fromTree(tree)
}

// Parse parses configuration data.
func Parse(data []byte) (*File, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return fromTree(tree)
}

func fromTree(tree *toml.Tree) (*File, error) {
	f := &File{}
	if err := tree.Unmarshal(f); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) applyDefaults() {
	def := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	def(&f.Listen, DefaultListen)
	def(&f.ClockSkew, DefaultSkew)
	def(&f.MinTicketLifetime, DefaultMinLife)
	def(&f.MaxTicketLifetime, DefaultMaxLife)
	def(&f.MaxRenewableLifetime, DefaultMaxRenew)
	def(&f.Store.Type, DefaultStoreType)
	f.Realm = strings.TrimSpace(f.Realm)
}

// Validate reports every problem in f at once.
func (f *File) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if f.Realm == "" {
		add("realm is required")
	}
	for _, r := range f.Realms {
		if r == "" {
			add("realms: empty realm name")
		}
	}
	if _, _, err := net.SplitHostPort(f.Listen); err != nil {
		add("listen %q: %v", f.Listen, err)
	}
	if _, err := f.Durations(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := f.ETypes(); err != nil {
		result = multierror.Append(result, err)
	}
	if f.Verbosity < krblog.LevelError || f.Verbosity > krblog.LevelTrace {
		add("verbosity %d out of range 0-3", f.Verbosity)
	}
	for _, a := range f.LogAreas {
		if _, err := krblog.ParseArea(a); err != nil {
			add("log_areas: unknown area %q", a)
		}
	}

	switch f.Store.Type {
	case "memory":
	case "bolt", "keytab":
		if f.Store.Path == "" {
			add("store: %s store needs a path", f.Store.Type)
		}
	default:
		add("store: unknown type %q", f.Store.Type)
	}
	if f.Store.CacheSize < 0 {
		add("store: negative cache_size %d", f.Store.CacheSize)
	}
	if f.Store.Type == "keytab" && len(f.Principals) > 0 {
		add("principals: a keytab store is read-only")
	}

	seen := make(map[string]bool)
	for i, p := range f.Principals {
		if p.Name == "" {
			add("principals[%d]: name is required", i)
			continue
		}
		if seen[p.Name] {
			add("principals[%d]: duplicate %q", i, p.Name)
		}
		seen[p.Name] = true
		if (p.Password == "") == !p.Random {
			add("principals[%d] %q: set exactly one of password and random_key", i, p.Name)
		}
		if _, err := p.flags(); err != nil {
			add("principals[%d] %q: %v", i, p.Name, err)
		}
	}
	return result.ErrorOrNil()
}

// Durations parses the time settings.
func (f *File) Durations() (Durations, error) {
	var (
		d      Durations
		result *multierror.Error
	)
	parse := func(name, v string, out *time.Duration, allowNegative bool) {
		x, err := time.ParseDuration(v)
		switch {
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		case x < 0 && !allowNegative:
			result = multierror.Append(result, fmt.Errorf("%s: negative duration %s", name, v))
		default:
			*out = x
		}
	}
	parse("clock_skew", f.ClockSkew, &d.Skew, false)
	parse("min_ticket_lifetime", f.MinTicketLifetime, &d.MinLife, false)
	parse("max_ticket_lifetime", f.MaxTicketLifetime, &d.MaxLife, false)
	parse("max_renewable_lifetime", f.MaxRenewableLifetime, &d.MaxRenew, true)
	if result == nil && d.MaxLife > 0 && d.MinLife > d.MaxLife {
		result = multierror.Append(result, fmt.Errorf("min_ticket_lifetime %s exceeds max_ticket_lifetime %s", d.MinLife, d.MaxLife))
	}
	return d, result.ErrorOrNil()
}

// ETypes resolves permitted_enctypes. An empty list selects crypto.Strong.
func (f *File) ETypes() ([]int32, error) {
	if len(f.PermittedEnctypes) == 0 {
		return slices.Clone(crypto.Strong), nil
	}
	var (
		out    []int32
		result *multierror.Error
	)
	for _, name := range f.PermittedEnctypes {
		e, err := crypto.LookupName(name)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("permitted_enctypes: %w", err))
			continue
		}
		out = append(out, e.ID())
	}
	return out, result.ErrorOrNil()
}

// Logger builds the logger described by verbosity and log_areas.
func (f *File) Logger(output io.Writer) *krblog.Logger {
	l := krblog.New(output)
	l.SetVerbosity(f.Verbosity)
	for _, name := range f.LogAreas {
		if a, err := krblog.ParseArea(name); err == nil {
			l.EnableArea(a)
		}
	}
	return l
}

// EngineConfig returns the engine configuration over backend.
func (f *File) EngineConfig(backend store.Backend, rc krb5.ReplayChecker, logger *krblog.Logger) (kdc.Config, error) {
	d, err := f.Durations()
	if err != nil {
		return kdc.Config{}, err
	}
	etypes, err := f.ETypes()
	if err != nil {
		return kdc.Config{}, err
	}
	// Zero renewable lifetime disables renewal; the engine reads a
	// negative value that way.
	if d.MaxRenew == 0 {
		d.MaxRenew = -1
	}
	return kdc.Config{
		Realm:          f.Realm,
		Realms:         f.Realms,
		Store:          backend,
		Replay:         rc,
		RequirePreauth: f.RequirePreauth,
		Skew:           d.Skew,
		MinLife:        d.MinLife,
		MaxLife:        d.MaxLife,
		MaxRenew:       d.MaxRenew,
		ETypes:         etypes,
		Logger:         logger,
	}, nil
}

// OpenStore opens the configured backend, wrapped in an LRU cache when
// cache_size is set. The returned function releases it.
func (f *File) OpenStore(logger *krblog.Logger) (store.Backend, func() error, error) {
	var (
		b       store.Backend
		closeFn = func() error { return nil }
	)
	switch f.Store.Type {
	case "memory":
		b = store.NewMemory()
	case "bolt":
		db, err := store.OpenBolt(f.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		b, closeFn = db, db.Close
	case "keytab":
		kt, err := keytab.Load(f.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		b = store.FromKeytab(kt)
	default:
		return nil, nil, fmt.Errorf("config: unknown store type %q", f.Store.Type)
	}
	if f.Store.CacheSize > 0 {
		c, err := store.NewCached(b, f.Store.CacheSize, logger)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		b = c
	}
	return b, closeFn, nil
}

// Seed creates the realm's krbtgt and every configured principal that the
// store does not hold yet. Existing entries are left alone so restarts keep
// their keys.
func (f *File) Seed(ctx context.Context, b store.Backend) error {
	etypes, err := f.ETypes()
	if err != nil {
		return err
	}
	if f.Store.Type != "keytab" {
		realms := append([]string{f.Realm}, f.Realms...)
		for _, r := range realms {
			if _, err := kdc.EnsureRealm(ctx, b, r, etypes); err != nil {
				return err
			}
		}
	}
	for _, p := range f.Principals {
		name, realm := krb5.ParsePrincipal(p.Name)
		if realm == "" {
			realm = f.Realm
		}
		_, err := b.Get(ctx, name, realm)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		ent, err := p.entry(name, realm, etypes)
		if err != nil {
			return err
		}
		if err := b.Put(ctx, ent); err != nil {
			return err
		}
	}
	return nil
}

func (p Principal) flags() (store.Flags, error) {
	var out store.Flags
	for _, name := range p.Flags {
		fl, err := store.ParseFlag(name)
		if err != nil {
			return 0, err
		}
		out |= fl
	}
	return out, nil
}

func (p Principal) entry(name krb5.PrincipalName, realm string, etypes []int32) (*store.Entry, error) {
	kvno := p.KVNO
	if kvno == 0 {
		kvno = 1
	}
	var (
		ent *store.Entry
		err error
	)
	if p.Random {
		ent, err = store.NewRandomEntry(name, realm, kvno, etypes)
	} else {
		ent, err = store.NewEntryFromPassword(name, realm, p.Password, kvno, etypes)
	}
	if err != nil {
		return nil, err
	}
	ent.Flags, err = p.flags()
	if err != nil {
		return nil, err
	}
	return ent, nil
}
