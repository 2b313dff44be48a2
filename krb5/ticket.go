package krb5

import (
	"fmt"
	"time"

	"github.com/kardianos/gokdc/der"
	"github.com/kardianos/gokdc/krb5/crypto"
)

// Ticket is the KDC-issued credential a client presents to a service.
type Ticket struct {
	Realm   string
	SName   PrincipalName
	EncPart crypto.EncryptedData
}

var ticketFields = der.NewFieldTable("Ticket",
	der.Field{Tag: 0, Name: "tkt-vno"},
	der.Field{Tag: 1, Name: "realm"},
	der.Field{Tag: 2, Name: "sname"},
	der.Field{Tag: 3, Name: "enc-part"},
)

func (t Ticket) value() (der.TaggedValue, error) {
	r := ticketFields.New()
	r.SetInt(0, PVNO)
	r.SetString(1, t.Realm)
	der.SetMember(r, 2, t.SName, PrincipalName.value)
	der.SetMember(r, 3, t.EncPart, crypto.EncryptedData.Value)
	return appValue(TagTicket, r)
}

func decodeTicket(v der.TaggedValue) (Ticket, error) {
	inner, err := der.Unwrap(v, der.ClassApplication, TagTicket)
	if err != nil {
		return Ticket{}, fmt.Errorf("Ticket: %w", err)
	}
	r, err := ticketFields.Decode(inner)
	if err != nil {
		return Ticket{}, err
	}
	if vno := r.Int(0); r.Err() == nil && vno != PVNO {
		return Ticket{}, fmt.Errorf("Ticket.tkt-vno: %w: %d", ErrBadVersion, vno)
	}
	t := Ticket{
		Realm:   r.String(1),
		SName:   der.Member(r, 2, decodePrincipalName),
		EncPart: der.Member(r, 3, crypto.DecodeEncryptedData),
	}
	return t, r.Err()
}

func (t Ticket) Marshal() ([]byte, error) { return marshalValue(t.value()) }

func (t *Ticket) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	out, err := decodeTicket(v)
	if err != nil {
		return err
	}
	*t = out
	return nil
}

// EncTicketPart is the encrypted half of a ticket, readable only by the
// service it was issued for.
type EncTicketPart struct {
	Flags             KerberosFlags
	Key               crypto.EncryptionKey
	CRealm            string
	CName             PrincipalName
	Transited         TransitedEncoding
	AuthTime          time.Time
	StartTime         time.Time
	EndTime           time.Time
	RenewTill         time.Time
	CAddr             []HostAddress
	AuthorizationData []AuthorizationDataEntry
}

var encTicketPartFields = der.NewFieldTable("EncTicketPart",
	der.Field{Tag: 0, Name: "flags"},
	der.Field{Tag: 1, Name: "key"},
	der.Field{Tag: 2, Name: "crealm"},
	der.Field{Tag: 3, Name: "cname"},
	der.Field{Tag: 4, Name: "transited"},
	der.Field{Tag: 5, Name: "authtime"},
	der.Field{Tag: 6, Name: "starttime", Optional: true},
	der.Field{Tag: 7, Name: "endtime"},
	der.Field{Tag: 8, Name: "renew-till", Optional: true},
	der.Field{Tag: 9, Name: "caddr", Optional: true},
	der.Field{Tag: 10, Name: "authorization-data", Optional: true},
)

func (e EncTicketPart) Marshal() ([]byte, error) {
	r := encTicketPartFields.New()
	der.SetMember(r, 0, e.Flags, KerberosFlags.value)
	der.SetMember(r, 1, e.Key, crypto.EncryptionKey.Value)
	r.SetString(2, e.CRealm)
	der.SetMember(r, 3, e.CName, PrincipalName.value)
	der.SetMember(r, 4, e.Transited, TransitedEncoding.value)
	r.SetTime(5, e.AuthTime)
	r.OptTime(6, e.StartTime)
	r.SetTime(7, e.EndTime)
	r.OptTime(8, e.RenewTill)
	if len(e.CAddr) > 0 {
		der.SetMember(r, 9, e.CAddr, encodeAddresses)
	}
	if len(e.AuthorizationData) > 0 {
		der.SetMember(r, 10, e.AuthorizationData, encodeAuthData)
	}
	return marshalValue(appValue(TagEncTicketPart, r))
}

func (e *EncTicketPart) Unmarshal(b []byte) error {
	v, err := decodeApp(b, TagEncTicketPart)
	if err != nil {
		return fmt.Errorf("EncTicketPart: %w", err)
	}
	r, err := encTicketPartFields.Decode(v)
	if err != nil {
		return err
	}
	*e = EncTicketPart{
		Flags:             der.Member(r, 0, decodeFlags),
		Key:               der.Member(r, 1, crypto.DecodeEncryptionKey),
		CRealm:            r.String(2),
		CName:             der.Member(r, 3, decodePrincipalName),
		Transited:         der.Member(r, 4, decodeTransited),
		AuthTime:          r.Time(5),
		StartTime:         r.Time(6),
		EndTime:           r.Time(7),
		RenewTill:         r.Time(8),
		CAddr:             der.Member(r, 9, decodeAddresses),
		AuthorizationData: der.Member(r, 10, decodeAuthData),
	}
	return r.Err()
}

// Start returns StartTime, or AuthTime when no start time was set.
func (e *EncTicketPart) Start() time.Time {
	if e.StartTime.IsZero() {
		return e.AuthTime
	}
	return e.StartTime
}

// appValue wraps the record in [APPLICATION tag].
func appValue(tag int, r *der.Record) (der.TaggedValue, error) {
	v, err := r.Encode()
	if err != nil {
		return der.TaggedValue{}, err
	}
	return der.Application(tag, v), nil
}

func marshalValue(v der.TaggedValue, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return der.Encode(v), nil
}

// decodeApp decodes a decrypted part wrapped in [APPLICATION tag]. The
// value may be followed by zero padding.
func decodeApp(b []byte, tag int) (der.TaggedValue, error) {
	v, err := der.DecodePadded(b)
	if err != nil {
		return der.TaggedValue{}, err
	}
	return der.Unwrap(v, der.ClassApplication, tag)
}
