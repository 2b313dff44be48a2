package krb5

import (
	"fmt"
	"time"

	"github.com/kardianos/gokdc/der"
	"github.com/kardianos/gokdc/krb5/crypto"
)

// KrbFastArmor carries the armor, for armor type 1 an AP-REQ.
type KrbFastArmor struct {
	ArmorType  int32
	ArmorValue []byte
}

var fastArmorFields = der.NewFieldTable("KrbFastArmor",
	der.Field{Tag: 0, Name: "armor-type"},
	der.Field{Tag: 1, Name: "armor-value"},
)

func (a KrbFastArmor) value() (der.TaggedValue, error) {
	r := fastArmorFields.New()
	r.SetInt(0, int64(a.ArmorType))
	r.SetBytes(1, a.ArmorValue)
	return r.Encode()
}

func decodeFastArmor(v der.TaggedValue) (*KrbFastArmor, error) {
	r, err := fastArmorFields.Decode(v)
	if err != nil {
		return nil, err
	}
	a := &KrbFastArmor{ArmorType: r.Int32(0), ArmorValue: r.Bytes(1)}
	return a, r.Err()
}

// KrbFastArmoredReq is the armored request. Armor is absent in a TGS
// request, where the TGS ticket itself provides the armor key.
type KrbFastArmoredReq struct {
	Armor       *KrbFastArmor
	ReqChecksum crypto.Checksum
	EncFastReq  crypto.EncryptedData
}

var fastArmoredReqFields = der.NewFieldTable("KrbFastArmoredReq",
	der.Field{Tag: 0, Name: "armor", Optional: true},
	der.Field{Tag: 1, Name: "req-checksum"},
	der.Field{Tag: 2, Name: "enc-fast-req"},
)

func (a KrbFastArmoredReq) value() (der.TaggedValue, error) {
	r := fastArmoredReqFields.New()
	if a.Armor != nil {
		der.SetMember(r, 0, *a.Armor, KrbFastArmor.value)
	}
	der.SetMember(r, 1, a.ReqChecksum, crypto.Checksum.Value)
	der.SetMember(r, 2, a.EncFastReq, crypto.EncryptedData.Value)
	return r.Encode()
}

func decodeFastArmoredReq(v der.TaggedValue) (KrbFastArmoredReq, error) {
	r, err := fastArmoredReqFields.Decode(v)
	if err != nil {
		return KrbFastArmoredReq{}, err
	}
	a := KrbFastArmoredReq{
		Armor:       der.Member(r, 0, decodeFastArmor),
		ReqChecksum: der.Member(r, 1, crypto.DecodeChecksum),
		EncFastReq:  der.Member(r, 2, crypto.DecodeEncryptedData),
	}
	return a, r.Err()
}

// PAFXFastRequest is the value of PA-FX-FAST in a request, a CHOICE with
// the single alternative armored-data [0].
type PAFXFastRequest struct {
	ArmoredData KrbFastArmoredReq
}

func (p PAFXFastRequest) Marshal() ([]byte, error) {
	v, err := p.ArmoredData.value()
	if err != nil {
		return nil, err
	}
	return der.Encode(der.Context(0, v)), nil
}

func (p *PAFXFastRequest) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	a, err := der.DecodeChoice(v, der.Alternative[KrbFastArmoredReq]{
		Class: der.ClassContext,
		Tag:   0,
		Decode: func(v der.TaggedValue) (KrbFastArmoredReq, error) {
			inner, err := der.Unwrap(v, der.ClassContext, 0)
			if err != nil {
				return KrbFastArmoredReq{}, err
			}
			return decodeFastArmoredReq(inner)
		},
	})
	if err != nil {
		return fmt.Errorf("PA-FX-FAST-REQUEST: %w", err)
	}
	p.ArmoredData = a
	return nil
}

// KrbFastReq is the plaintext of enc-fast-req. Its padata and req-body
// replace the outer ones.
type KrbFastReq struct {
	FastOptions KerberosFlags
	PAData      []PAData
	ReqBody     KDCReqBody
	// RawReqBody holds the decoded req-body bytes.
	RawReqBody []byte
}

var fastReqFields = der.NewFieldTable("KrbFastReq",
	der.Field{Tag: 0, Name: "fast-options"},
	der.Field{Tag: 1, Name: "padata"},
	der.Field{Tag: 2, Name: "req-body"},
)

func (f KrbFastReq) Marshal() ([]byte, error) {
	r := fastReqFields.New()
	der.SetMember(r, 0, f.FastOptions, KerberosFlags.value)
	der.SetMember(r, 1, f.PAData, encodePADataList)
	der.SetMember(r, 2, f.ReqBody, KDCReqBody.value)
	return encodeRecord(r)
}

func (f *KrbFastReq) Unmarshal(b []byte) error {
	v, err := der.DecodePadded(b)
	if err != nil {
		return err
	}
	r, err := fastReqFields.Decode(v)
	if err != nil {
		return err
	}
	*f = KrbFastReq{
		FastOptions: der.Member(r, 0, decodeFlags),
		PAData:      der.Member(r, 1, decodePADataList),
		ReqBody:     der.Member(r, 2, decodeKDCReqBody),
	}
	if body, ok := r.Get(2); ok {
		f.RawReqBody = der.Encode(body)
	}
	return r.Err()
}

// KrbFastArmoredRep wraps the encrypted KrbFastResponse.
type KrbFastArmoredRep struct {
	EncFastRep crypto.EncryptedData
}

var fastArmoredRepFields = der.NewFieldTable("KrbFastArmoredRep",
	der.Field{Tag: 0, Name: "enc-fast-rep"},
)

// PAFXFastReply is the value of PA-FX-FAST in a reply or error.
type PAFXFastReply struct {
	ArmoredData KrbFastArmoredRep
}

func (p PAFXFastReply) Marshal() ([]byte, error) {
	r := fastArmoredRepFields.New()
	der.SetMember(r, 0, p.ArmoredData.EncFastRep, crypto.EncryptedData.Value)
	v, err := r.Encode()
	if err != nil {
		return nil, err
	}
	return der.Encode(der.Context(0, v)), nil
}

func (p *PAFXFastReply) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	a, err := der.DecodeChoice(v, der.Alternative[KrbFastArmoredRep]{
		Class: der.ClassContext,
		Tag:   0,
		Decode: func(v der.TaggedValue) (KrbFastArmoredRep, error) {
			inner, err := der.Unwrap(v, der.ClassContext, 0)
			if err != nil {
				return KrbFastArmoredRep{}, err
			}
			r, err := fastArmoredRepFields.Decode(inner)
			if err != nil {
				return KrbFastArmoredRep{}, err
			}
			a := KrbFastArmoredRep{EncFastRep: der.Member(r, 0, crypto.DecodeEncryptedData)}
			return a, r.Err()
		},
	})
	if err != nil {
		return fmt.Errorf("PA-FX-FAST-REPLY: %w", err)
	}
	p.ArmoredData = a
	return nil
}

// KrbFastResponse is the plaintext of enc-fast-rep.
type KrbFastResponse struct {
	PAData        []PAData
	StrengthenKey *crypto.EncryptionKey
	Finished      *KrbFastFinished
	Nonce         uint32
}

var fastResponseFields = der.NewFieldTable("KrbFastResponse",
	der.Field{Tag: 0, Name: "padata"},
	der.Field{Tag: 1, Name: "strengthen-key", Optional: true},
	der.Field{Tag: 2, Name: "finished", Optional: true},
	der.Field{Tag: 3, Name: "nonce"},
)

func (f KrbFastResponse) Marshal() ([]byte, error) {
	r := fastResponseFields.New()
	der.SetMember(r, 0, f.PAData, encodePADataList)
	if f.StrengthenKey != nil {
		der.SetMember(r, 1, *f.StrengthenKey, crypto.EncryptionKey.Value)
	}
	if f.Finished != nil {
		der.SetMember(r, 2, *f.Finished, KrbFastFinished.value)
	}
	r.SetInt(3, int64(f.Nonce))
	return encodeRecord(r)
}

func (f *KrbFastResponse) Unmarshal(b []byte) error {
	v, err := der.DecodePadded(b)
	if err != nil {
		return err
	}
	r, err := fastResponseFields.Decode(v)
	if err != nil {
		return err
	}
	*f = KrbFastResponse{
		PAData:        der.Member(r, 0, decodePADataList),
		StrengthenKey: der.Member(r, 1, keyPtr),
		Finished:      der.Member(r, 2, decodeFastFinished),
		Nonce:         r.Uint32(3),
	}
	return r.Err()
}

// KrbFastFinished binds the issued ticket to the armored exchange.
type KrbFastFinished struct {
	Timestamp      time.Time
	USec           int32
	CRealm         string
	CName          PrincipalName
	TicketChecksum crypto.Checksum
}

var fastFinishedFields = der.NewFieldTable("KrbFastFinished",
	der.Field{Tag: 0, Name: "timestamp"},
	der.Field{Tag: 1, Name: "usec"},
	der.Field{Tag: 2, Name: "crealm"},
	der.Field{Tag: 3, Name: "cname"},
	der.Field{Tag: 4, Name: "ticket-checksum"},
)

func (f KrbFastFinished) value() (der.TaggedValue, error) {
	r := fastFinishedFields.New()
	r.SetTime(0, f.Timestamp)
	r.SetInt(1, int64(f.USec))
	r.SetString(2, f.CRealm)
	der.SetMember(r, 3, f.CName, PrincipalName.value)
	der.SetMember(r, 4, f.TicketChecksum, crypto.Checksum.Value)
	return r.Encode()
}

func decodeFastFinished(v der.TaggedValue) (*KrbFastFinished, error) {
	r, err := fastFinishedFields.Decode(v)
	if err != nil {
		return nil, err
	}
	f := &KrbFastFinished{
		Timestamp:      r.Time(0),
		USec:           r.Int32(1),
		CRealm:         r.String(2),
		CName:          der.Member(r, 3, decodePrincipalName),
		TicketChecksum: der.Member(r, 4, crypto.DecodeChecksum),
	}
	return f, r.Err()
}
