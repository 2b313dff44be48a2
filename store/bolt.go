package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	bolt "go.etcd.io/bbolt"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
)

var boltBucket = []byte("principals")

var errNoBucket = errors.New("no bucket in bolt")

// Bolt is a Backend in a bbolt file. Entries are msgpack encoded under
// their "name@REALM" key, so List is a cursor walk in key order.
type Bolt struct {
	db *bolt.DB
}

var _ Backend = (*Bolt)(nil)

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &BackendError{Op: "open", Err: err}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &BackendError{Op: "open", Err: err}
	}
	return &Bolt{db: db}, nil
}

// Close closes the database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// record is the stored form of an Entry.
type record struct {
	NameType   int32
	Name       []string
	Realm      string
	Keys       []recordKey
	KVNO       uint32
	Flags      uint32
	ValidFrom  int64
	ValidUntil int64
	MaxLife    int64
	MaxRenew   int64
	Salt       string
}

type recordKey struct {
	EType int32
	Value []byte
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeEntry(e *Entry) ([]byte, error) {
	r := record{
		NameType:   e.Principal.NameType,
		Name:       e.Principal.NameString,
		Realm:      e.Realm,
		KVNO:       e.KVNO,
		Flags:      uint32(e.Flags),
		ValidFrom:  unixNano(e.ValidFrom),
		ValidUntil: unixNano(e.ValidUntil),
		MaxLife:    int64(e.MaxLife),
		MaxRenew:   int64(e.MaxRenew),
		Salt:       e.Salt,
	}
	for _, et := range e.ETypes() {
		r.Keys = append(r.Keys, recordKey{EType: et, Value: e.Keys[et].KeyValue})
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(&r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (*Entry, error) {
	var r record
	if err := codec.NewDecoder(bytes.NewReader(b), &codec.MsgpackHandle{}).Decode(&r); err != nil {
		return nil, err
	}
	e := &Entry{
		Principal:  krb5.PrincipalName{NameType: r.NameType, NameString: r.Name},
		Realm:      r.Realm,
		KVNO:       r.KVNO,
		Flags:      Flags(r.Flags),
		ValidFrom:  fromUnixNano(r.ValidFrom),
		ValidUntil: fromUnixNano(r.ValidUntil),
		MaxLife:    time.Duration(r.MaxLife),
		MaxRenew:   time.Duration(r.MaxRenew),
		Salt:       r.Salt,
		Keys:       make(map[int32]crypto.EncryptionKey, len(r.Keys)),
	}
	for _, k := range r.Keys {
		e.Keys[k.EType] = crypto.EncryptionKey{KeyType: k.EType, KeyValue: k.Value, KVNO: r.KVNO}
	}
	return e, nil
}

func (s *Bolt) Get(ctx context.Context, principal krb5.PrincipalName, realm string) (*Entry, error) {
	key := Key(principal, realm)
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return errNoBucket
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		var err error
		e, err = decodeEntry(v)
		return err
	})
	switch {
	case err == nil:
		return e, nil
	case errors.Is(err, ErrNotFound):
		return nil, err
	default:
		return nil, &BackendError{Op: "get", Principal: key, Err: err}
	}
}

func (s *Bolt) Put(ctx context.Context, e *Entry) error {
	if err := e.Principal.Validate(); err != nil {
		return &BackendError{Op: "put", Principal: e.Key(), Err: err}
	}
	v, err := encodeEntry(e)
	if err != nil {
		return &BackendError{Op: "put", Principal: e.Key(), Err: fmt.Errorf("encode: %w", err)}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return errNoBucket
		}
		return bucket.Put([]byte(e.Key()), v)
	})
	if err != nil {
		return &BackendError{Op: "put", Principal: e.Key(), Err: err}
	}
	return nil
}

func (s *Bolt) Delete(ctx context.Context, principal krb5.PrincipalName, realm string) error {
	key := []byte(Key(principal, realm))
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return errNoBucket
		}
		if bucket.Get(key) == nil {
			return ErrNotFound
		}
		return bucket.Delete(key)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return err
	default:
		return &BackendError{Op: "delete", Principal: string(key), Err: err}
	}
}

func (s *Bolt) List(ctx context.Context, start, end string) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return errNoBucket
		}
		c := bucket.Cursor()
		for k, v := c.Seek([]byte(start)); k != nil; k, v = c.Next() {
			if end != "" && string(k) >= end {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, &BackendError{Op: "list", Err: err}
	}
	return out, nil
}
