package keytab

import (
	"context"
	"math"
	"slices"

	gokeytab "github.com/jcmturner/gokrb5/v8/keytab"
	gotypes "github.com/jcmturner/gokrb5/v8/types"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
)

// Parse decodes a version 1 or version 2 keytab.
func Parse(b []byte) (*Keytab, error) {
	if len(b) == 2 {
		// A bare header has no size terminator; gokrb5 wants one.
		b = append(b[:2:2], 0, 0, 0, 0)
	}
	gk := gokeytab.New()
	if err := gk.Unmarshal(b); err != nil {
		return nil, formatErr("%v", err)
	}
	kt := &Keytab{version: b[1], entries: make([]Entry, 0, len(gk.Entries))}
	for i, ge := range gk.Entries {
		p := ge.Principal
		if int(p.NumComponents) != len(p.Components) {
			return nil, formatErr("entry %d: %d of %d name components", i, len(p.Components), p.NumComponents)
		}
		nameType := p.NameType
		if kt.version == Version1 {
			nameType = krb5.NameTypePrincipal
		}
		e := Entry{
			Principal: krb5.PrincipalName{NameType: nameType, NameString: slices.Clone(p.Components)},
			Realm:     p.Realm,
			Timestamp: ge.Timestamp.UTC(),
			KVNO:      ge.KVNO,
			Key: crypto.EncryptionKey{
				KeyType:  ge.Key.KeyType,
				KeyValue: ge.Key.KeyValue,
				KVNO:     ge.KVNO,
			},
		}
		if e.Principal.NameString == nil {
			e.Principal.NameString = []string{}
		}
		kt.entries = append(kt.entries, e)
	}
	return kt, nil
}

// Marshal encodes the keytab in version 2 format. The 32-bit kvno is always
// written; the 8-bit field holds its low byte.
func (kt *Keytab) Marshal() ([]byte, error) {
	gk := gokeytab.New()
	gk.Entries = slices.Grow(gk.Entries, len(kt.entries))[:len(kt.entries)]
	for i, e := range kt.entries {
		if len(e.Principal.NameString) > math.MaxInt16 {
			return nil, formatErr("%s: too many components", e.Principal)
		}
		for _, f := range append([]string{e.Realm}, e.Principal.NameString...) {
			if len(f) > math.MaxUint16 {
				return nil, formatErr("%s: field of %d bytes too long", e.Principal, len(f))
			}
		}
		if len(e.Key.KeyValue) > math.MaxUint16 {
			return nil, formatErr("%s: key of %d bytes too long", e.Principal, len(e.Key.KeyValue))
		}
		ge := &gk.Entries[i]
		ge.Principal.NumComponents = int16(len(e.Principal.NameString))
		ge.Principal.Realm = e.Realm
		ge.Principal.Components = e.Principal.NameString
		ge.Principal.NameType = e.Principal.NameType
		ge.Timestamp = e.Timestamp
		ge.KVNO8 = uint8(e.KVNO)
		ge.KVNO = e.KVNO
		ge.Key = gotypes.EncryptionKey{KeyType: e.Key.KeyType, KeyValue: e.Key.KeyValue}
	}
	b, err := gk.Marshal()
	if err != nil {
		return nil, formatErr("%v", err)
	}
	return b, nil
}

// KeyFunc adapts the keytab to krb5.KeyFunc for service-side AP-REQ
// verification.
func (kt *Keytab) KeyFunc() krb5.KeyFunc {
	return func(_ context.Context, sname krb5.PrincipalName, realm string, etype int32, kvno uint32) (crypto.EncryptionKey, error) {
		return kt.FindKey(sname, realm, kvno, etype)
	}
}
