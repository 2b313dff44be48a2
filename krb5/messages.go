package krb5

import (
	"fmt"
	"time"

	"github.com/kardianos/gokdc/der"
	"github.com/kardianos/gokdc/krb5/crypto"
)

// Message is a top-level Kerberos message.
type Message interface {
	MessageType() int32
	Marshal() ([]byte, error)
}

// DecodeMessage decodes any message a KDC or service may receive. The
// result is a *KDCReq, *KDCRep, *APReq, *APRep or *KRBError. Unknown
// APPLICATION tags fail with der.ErrUnrecognizedAlternative.
func DecodeMessage(b []byte) (Message, error) {
	v, err := der.Decode(b)
	if err != nil {
		return nil, err
	}
	return der.DecodeChoice(v,
		der.Alternative[Message]{Class: der.ClassApplication, Tag: int(MsgTypeASReq), Decode: asMessage(decodeKDCReq)},
		der.Alternative[Message]{Class: der.ClassApplication, Tag: int(MsgTypeTGSReq), Decode: asMessage(decodeKDCReq)},
		der.Alternative[Message]{Class: der.ClassApplication, Tag: int(MsgTypeASRep), Decode: asMessage(decodeKDCRep)},
		der.Alternative[Message]{Class: der.ClassApplication, Tag: int(MsgTypeTGSRep), Decode: asMessage(decodeKDCRep)},
		der.Alternative[Message]{Class: der.ClassApplication, Tag: int(MsgTypeAPReq), Decode: asMessage(decodeAPReq)},
		der.Alternative[Message]{Class: der.ClassApplication, Tag: int(MsgTypeAPRep), Decode: asMessage(decodeAPRep)},
		der.Alternative[Message]{Class: der.ClassApplication, Tag: int(MsgTypeKRBError), Decode: asMessage(decodeKRBError)},
	)
}

func asMessage[T Message](dec func(der.TaggedValue) (T, error)) der.DecodeFunc[Message] {
	return func(v der.TaggedValue) (Message, error) {
		m, err := dec(v)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// unwrapMessage strips the APPLICATION tag of a message whose tag is one
// of the given message types.
func unwrapMessage(name string, v der.TaggedValue, types ...int32) (der.TaggedValue, error) {
	if v.Class == der.ClassApplication {
		for _, t := range types {
			if v.Tag == int(t) {
				inner, err := der.Unwrap(v, der.ClassApplication, v.Tag)
				if err != nil {
					return der.TaggedValue{}, fmt.Errorf("%s: %w", name, err)
				}
				return inner, nil
			}
		}
	}
	return der.TaggedValue{}, fmt.Errorf("%s: %w: %v", name, ErrMessageType, v)
}

// checkHeader verifies the pvno and msg-type members.
func checkHeader(name string, r *der.Record, pvnoTag, typeTag int, want int32) error {
	pvno := r.Int(pvnoTag)
	mt := r.Int32(typeTag)
	if err := r.Err(); err != nil {
		return err
	}
	if pvno != PVNO {
		return fmt.Errorf("%s: %w: pvno %d", name, ErrBadVersion, pvno)
	}
	if mt != want {
		return fmt.Errorf("%s: %w: msg-type %d, want %d", name, ErrMessageType, mt, want)
	}
	return nil
}

// KDCReqBody is the part of a KDC request covered by checksums.
type KDCReqBody struct {
	KDCOptions           KerberosFlags
	CName                PrincipalName
	Realm                string
	SName                PrincipalName
	From                 time.Time
	Till                 time.Time
	RTime                time.Time
	Nonce                uint32
	EType                []int32
	Addresses            []HostAddress
	EncAuthorizationData *crypto.EncryptedData
	AdditionalTickets    []Ticket
}

var kdcReqBodyFields = der.NewFieldTable("KDC-REQ-BODY",
	der.Field{Tag: 0, Name: "kdc-options"},
	der.Field{Tag: 1, Name: "cname", Optional: true},
	der.Field{Tag: 2, Name: "realm"},
	der.Field{Tag: 3, Name: "sname", Optional: true},
	der.Field{Tag: 4, Name: "from", Optional: true},
	der.Field{Tag: 5, Name: "till"},
	der.Field{Tag: 6, Name: "rtime", Optional: true},
	der.Field{Tag: 7, Name: "nonce"},
	der.Field{Tag: 8, Name: "etype"},
	der.Field{Tag: 9, Name: "addresses", Optional: true},
	der.Field{Tag: 10, Name: "enc-authorization-data", Optional: true},
	der.Field{Tag: 11, Name: "additional-tickets", Optional: true},
)

func (b KDCReqBody) value() (der.TaggedValue, error) {
	r := kdcReqBodyFields.New()
	der.SetMember(r, 0, b.KDCOptions, KerberosFlags.value)
	if !b.CName.IsZero() {
		der.SetMember(r, 1, b.CName, PrincipalName.value)
	}
	r.SetString(2, b.Realm)
	if !b.SName.IsZero() {
		der.SetMember(r, 3, b.SName, PrincipalName.value)
	}
	r.OptTime(4, b.From)
	r.SetTime(5, b.Till)
	r.OptTime(6, b.RTime)
	r.SetInt(7, int64(b.Nonce))
	der.SetMember(r, 8, b.EType, encodeInt32s)
	if len(b.Addresses) > 0 {
		der.SetMember(r, 9, b.Addresses, encodeAddresses)
	}
	if b.EncAuthorizationData != nil {
		der.SetMember(r, 10, *b.EncAuthorizationData, crypto.EncryptedData.Value)
	}
	if len(b.AdditionalTickets) > 0 {
		der.SetMember(r, 11, b.AdditionalTickets, encodeTickets)
	}
	return r.Encode()
}

func decodeKDCReqBody(v der.TaggedValue) (KDCReqBody, error) {
	r, err := kdcReqBodyFields.Decode(v)
	if err != nil {
		return KDCReqBody{}, err
	}
	b := KDCReqBody{
		KDCOptions:           der.Member(r, 0, decodeFlags),
		CName:                der.Member(r, 1, decodePrincipalName),
		Realm:                r.String(2),
		SName:                der.Member(r, 3, decodePrincipalName),
		From:                 r.Time(4),
		Till:                 r.Time(5),
		RTime:                r.Time(6),
		Nonce:                r.Uint32(7),
		EType:                der.Member(r, 8, decodeInt32s),
		Addresses:            der.Member(r, 9, decodeAddresses),
		EncAuthorizationData: der.Member(r, 10, encDataPtr),
		AdditionalTickets:    der.Member(r, 11, decodeTickets),
	}
	return b, r.Err()
}

// Marshal returns the encoding checksums are computed over.
func (b KDCReqBody) Marshal() ([]byte, error) { return marshalValue(b.value()) }

func (b *KDCReqBody) Unmarshal(data []byte) error {
	v, err := der.Decode(data)
	if err != nil {
		return err
	}
	out, err := decodeKDCReqBody(v)
	if err != nil {
		return err
	}
	*b = out
	return nil
}

// Validate checks the members every request needs.
func (b KDCReqBody) Validate() error {
	if b.Realm == "" {
		return fmt.Errorf("KDC-REQ-BODY: realm is empty")
	}
	if err := b.SName.Validate(); err != nil {
		return fmt.Errorf("KDC-REQ-BODY: sname: %w", err)
	}
	if !b.CName.IsZero() {
		if err := b.CName.Validate(); err != nil {
			return fmt.Errorf("KDC-REQ-BODY: cname: %w", err)
		}
	}
	if len(b.EType) == 0 {
		return fmt.Errorf("KDC-REQ-BODY: etype list is empty")
	}
	return nil
}

// KDCReq is an AS-REQ or TGS-REQ.
type KDCReq struct {
	MsgType int32
	PAData  []PAData
	ReqBody KDCReqBody
	// RawReqBody holds the received req-body bytes. It is set by decoding
	// and not used when encoding.
	RawReqBody []byte
}

var kdcReqFields = der.NewFieldTable("KDC-REQ",
	der.Field{Tag: 1, Name: "pvno"},
	der.Field{Tag: 2, Name: "msg-type"},
	der.Field{Tag: 3, Name: "padata", Optional: true},
	der.Field{Tag: 4, Name: "req-body"},
)

func (k *KDCReq) MessageType() int32 { return k.MsgType }

func (k *KDCReq) Marshal() ([]byte, error) {
	if k.MsgType != MsgTypeASReq && k.MsgType != MsgTypeTGSReq {
		return nil, fmt.Errorf("KDC-REQ: %w: %d", ErrMessageType, k.MsgType)
	}
	r := kdcReqFields.New()
	r.SetInt(1, PVNO)
	r.SetInt(2, int64(k.MsgType))
	if len(k.PAData) > 0 {
		der.SetMember(r, 3, k.PAData, encodePADataList)
	}
	der.SetMember(r, 4, k.ReqBody, KDCReqBody.value)
	return marshalValue(appValue(int(k.MsgType), r))
}

func (k *KDCReq) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	out, err := decodeKDCReq(v)
	if err != nil {
		return err
	}
	*k = *out
	return nil
}

func decodeKDCReq(v der.TaggedValue) (*KDCReq, error) {
	inner, err := unwrapMessage("KDC-REQ", v, MsgTypeASReq, MsgTypeTGSReq)
	if err != nil {
		return nil, err
	}
	r, err := kdcReqFields.Decode(inner)
	if err != nil {
		return nil, err
	}
	if err := checkHeader("KDC-REQ", r, 1, 2, int32(v.Tag)); err != nil {
		return nil, err
	}
	k := &KDCReq{
		MsgType: int32(v.Tag),
		PAData:  der.Member(r, 3, decodePADataList),
		ReqBody: der.Member(r, 4, decodeKDCReqBody),
	}
	if body, ok := r.Get(4); ok {
		k.RawReqBody = der.Encode(body)
	}
	return k, r.Err()
}

// KDCRep is an AS-REP or TGS-REP.
type KDCRep struct {
	MsgType int32
	PAData  []PAData
	CRealm  string
	CName   PrincipalName
	Ticket  Ticket
	EncPart crypto.EncryptedData
}

var kdcRepFields = der.NewFieldTable("KDC-REP",
	der.Field{Tag: 0, Name: "pvno"},
	der.Field{Tag: 1, Name: "msg-type"},
	der.Field{Tag: 2, Name: "padata", Optional: true},
	der.Field{Tag: 3, Name: "crealm"},
	der.Field{Tag: 4, Name: "cname"},
	der.Field{Tag: 5, Name: "ticket"},
	der.Field{Tag: 6, Name: "enc-part"},
)

func (k *KDCRep) MessageType() int32 { return k.MsgType }

func (k *KDCRep) Marshal() ([]byte, error) {
	if k.MsgType != MsgTypeASRep && k.MsgType != MsgTypeTGSRep {
		return nil, fmt.Errorf("KDC-REP: %w: %d", ErrMessageType, k.MsgType)
	}
	r := kdcRepFields.New()
	r.SetInt(0, PVNO)
	r.SetInt(1, int64(k.MsgType))
	if len(k.PAData) > 0 {
		der.SetMember(r, 2, k.PAData, encodePADataList)
	}
	r.SetString(3, k.CRealm)
	der.SetMember(r, 4, k.CName, PrincipalName.value)
	der.SetMember(r, 5, k.Ticket, Ticket.value)
	der.SetMember(r, 6, k.EncPart, crypto.EncryptedData.Value)
	return marshalValue(appValue(int(k.MsgType), r))
}

func (k *KDCRep) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	out, err := decodeKDCRep(v)
	if err != nil {
		return err
	}
	*k = *out
	return nil
}

func decodeKDCRep(v der.TaggedValue) (*KDCRep, error) {
	inner, err := unwrapMessage("KDC-REP", v, MsgTypeASRep, MsgTypeTGSRep)
	if err != nil {
		return nil, err
	}
	r, err := kdcRepFields.Decode(inner)
	if err != nil {
		return nil, err
	}
	if err := checkHeader("KDC-REP", r, 0, 1, int32(v.Tag)); err != nil {
		return nil, err
	}
	k := &KDCRep{
		MsgType: int32(v.Tag),
		PAData:  der.Member(r, 2, decodePADataList),
		CRealm:  r.String(3),
		CName:   der.Member(r, 4, decodePrincipalName),
		Ticket:  der.Member(r, 5, decodeTicket),
		EncPart: der.Member(r, 6, crypto.DecodeEncryptedData),
	}
	return k, r.Err()
}

// EncKDCRepPart is the encrypted part of an AS-REP or TGS-REP. AppTag is
// TagEncASRepPart or TagEncTGSRepPart; zero encodes as TagEncASRepPart.
// Decoding accepts either tag for either reply.
type EncKDCRepPart struct {
	AppTag          int
	Key             crypto.EncryptionKey
	LastReq         []LastReqEntry
	Nonce           uint32
	KeyExpiration   time.Time
	Flags           KerberosFlags
	AuthTime        time.Time
	StartTime       time.Time
	EndTime         time.Time
	RenewTill       time.Time
	SRealm          string
	SName           PrincipalName
	CAddr           []HostAddress
	EncryptedPAData []PAData
}

var encKDCRepPartFields = der.NewFieldTable("EncKDCRepPart",
	der.Field{Tag: 0, Name: "key"},
	der.Field{Tag: 1, Name: "last-req"},
	der.Field{Tag: 2, Name: "nonce"},
	der.Field{Tag: 3, Name: "key-expiration", Optional: true},
	der.Field{Tag: 4, Name: "flags"},
	der.Field{Tag: 5, Name: "authtime"},
	der.Field{Tag: 6, Name: "starttime", Optional: true},
	der.Field{Tag: 7, Name: "endtime"},
	der.Field{Tag: 8, Name: "renew-till", Optional: true},
	der.Field{Tag: 9, Name: "srealm"},
	der.Field{Tag: 10, Name: "sname"},
	der.Field{Tag: 11, Name: "caddr", Optional: true},
	der.Field{Tag: 12, Name: "encrypted-pa-data", Optional: true},
)

func (e EncKDCRepPart) Marshal() ([]byte, error) {
	tag := e.AppTag
	if tag == 0 {
		tag = TagEncASRepPart
	}
	if tag != TagEncASRepPart && tag != TagEncTGSRepPart {
		return nil, fmt.Errorf("EncKDCRepPart: %w: tag %d", ErrMessageType, tag)
	}
	r := encKDCRepPartFields.New()
	der.SetMember(r, 0, e.Key, crypto.EncryptionKey.Value)
	der.SetMember(r, 1, e.LastReq, encodeLastReq)
	r.SetInt(2, int64(e.Nonce))
	r.OptTime(3, e.KeyExpiration)
	der.SetMember(r, 4, e.Flags, KerberosFlags.value)
	r.SetTime(5, e.AuthTime)
	r.OptTime(6, e.StartTime)
	r.SetTime(7, e.EndTime)
	r.OptTime(8, e.RenewTill)
	r.SetString(9, e.SRealm)
	der.SetMember(r, 10, e.SName, PrincipalName.value)
	if len(e.CAddr) > 0 {
		der.SetMember(r, 11, e.CAddr, encodeAddresses)
	}
	if len(e.EncryptedPAData) > 0 {
		der.SetMember(r, 12, e.EncryptedPAData, encodePADataList)
	}
	return marshalValue(appValue(tag, r))
}

func (e *EncKDCRepPart) Unmarshal(b []byte) error {
	v, err := der.DecodePadded(b)
	if err != nil {
		return err
	}
	if v.Class != der.ClassApplication || (v.Tag != TagEncASRepPart && v.Tag != TagEncTGSRepPart) {
		return fmt.Errorf("EncKDCRepPart: %w: %v", der.ErrUnexpectedTag, v)
	}
	inner, err := der.Unwrap(v, der.ClassApplication, v.Tag)
	if err != nil {
		return fmt.Errorf("EncKDCRepPart: %w", err)
	}
	r, err := encKDCRepPartFields.Decode(inner)
	if err != nil {
		return err
	}
	*e = EncKDCRepPart{
		AppTag:          v.Tag,
		Key:             der.Member(r, 0, crypto.DecodeEncryptionKey),
		LastReq:         der.Member(r, 1, decodeLastReqList),
		Nonce:           r.Uint32(2),
		KeyExpiration:   r.Time(3),
		Flags:           der.Member(r, 4, decodeFlags),
		AuthTime:        r.Time(5),
		StartTime:       r.Time(6),
		EndTime:         r.Time(7),
		RenewTill:       r.Time(8),
		SRealm:          r.String(9),
		SName:           der.Member(r, 10, decodePrincipalName),
		CAddr:           der.Member(r, 11, decodeAddresses),
		EncryptedPAData: der.Member(r, 12, decodePADataList),
	}
	return r.Err()
}

// APReq presents a ticket and authenticator to a service, or to the TGS
// inside PA-TGS-REQ.
type APReq struct {
	APOptions     KerberosFlags
	Ticket        Ticket
	Authenticator crypto.EncryptedData
}

var apReqFields = der.NewFieldTable("AP-REQ",
	der.Field{Tag: 0, Name: "pvno"},
	der.Field{Tag: 1, Name: "msg-type"},
	der.Field{Tag: 2, Name: "ap-options"},
	der.Field{Tag: 3, Name: "ticket"},
	der.Field{Tag: 4, Name: "authenticator"},
)

func (a *APReq) MessageType() int32 { return MsgTypeAPReq }

func (a *APReq) Marshal() ([]byte, error) {
	r := apReqFields.New()
	r.SetInt(0, PVNO)
	r.SetInt(1, int64(MsgTypeAPReq))
	der.SetMember(r, 2, a.APOptions, KerberosFlags.value)
	der.SetMember(r, 3, a.Ticket, Ticket.value)
	der.SetMember(r, 4, a.Authenticator, crypto.EncryptedData.Value)
	return marshalValue(appValue(int(MsgTypeAPReq), r))
}

func (a *APReq) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	out, err := decodeAPReq(v)
	if err != nil {
		return err
	}
	*a = *out
	return nil
}

func decodeAPReq(v der.TaggedValue) (*APReq, error) {
	inner, err := unwrapMessage("AP-REQ", v, MsgTypeAPReq)
	if err != nil {
		return nil, err
	}
	r, err := apReqFields.Decode(inner)
	if err != nil {
		return nil, err
	}
	if err := checkHeader("AP-REQ", r, 0, 1, MsgTypeAPReq); err != nil {
		return nil, err
	}
	a := &APReq{
		APOptions:     der.Member(r, 2, decodeFlags),
		Ticket:        der.Member(r, 3, decodeTicket),
		Authenticator: der.Member(r, 4, crypto.DecodeEncryptedData),
	}
	return a, r.Err()
}

// Authenticator proves the client holds the ticket session key.
type Authenticator struct {
	CRealm            string
	CName             PrincipalName
	Cksum             *crypto.Checksum
	CUSec             int32
	CTime             time.Time
	SubKey            *crypto.EncryptionKey
	SeqNumber         uint32
	AuthorizationData []AuthorizationDataEntry
}

var authenticatorFields = der.NewFieldTable("Authenticator",
	der.Field{Tag: 0, Name: "authenticator-vno"},
	der.Field{Tag: 1, Name: "crealm"},
	der.Field{Tag: 2, Name: "cname"},
	der.Field{Tag: 3, Name: "cksum", Optional: true},
	der.Field{Tag: 4, Name: "cusec"},
	der.Field{Tag: 5, Name: "ctime"},
	der.Field{Tag: 6, Name: "subkey", Optional: true},
	der.Field{Tag: 7, Name: "seq-number", Optional: true},
	der.Field{Tag: 8, Name: "authorization-data", Optional: true},
)

// Time returns ctime with its microseconds.
func (a *Authenticator) Time() time.Time {
	return a.CTime.Add(time.Duration(a.CUSec) * time.Microsecond)
}

func (a Authenticator) Marshal() ([]byte, error) {
	r := authenticatorFields.New()
	r.SetInt(0, PVNO)
	r.SetString(1, a.CRealm)
	der.SetMember(r, 2, a.CName, PrincipalName.value)
	if a.Cksum != nil {
		der.SetMember(r, 3, *a.Cksum, crypto.Checksum.Value)
	}
	r.SetInt(4, int64(a.CUSec))
	r.SetTime(5, a.CTime)
	if a.SubKey != nil {
		der.SetMember(r, 6, *a.SubKey, crypto.EncryptionKey.Value)
	}
	r.OptInt(7, int64(a.SeqNumber))
	if len(a.AuthorizationData) > 0 {
		der.SetMember(r, 8, a.AuthorizationData, encodeAuthData)
	}
	return marshalValue(appValue(TagAuthenticator, r))
}

func (a *Authenticator) Unmarshal(b []byte) error {
	v, err := decodeApp(b, TagAuthenticator)
	if err != nil {
		return fmt.Errorf("Authenticator: %w", err)
	}
	r, err := authenticatorFields.Decode(v)
	if err != nil {
		return err
	}
	if vno := r.Int(0); r.Err() == nil && vno != PVNO {
		return fmt.Errorf("Authenticator: %w: %d", ErrBadVersion, vno)
	}
	*a = Authenticator{
		CRealm:            r.String(1),
		CName:             der.Member(r, 2, decodePrincipalName),
		Cksum:             der.Member(r, 3, checksumPtr),
		CUSec:             r.Int32(4),
		CTime:             r.Time(5),
		SubKey:            der.Member(r, 6, keyPtr),
		SeqNumber:         r.Uint32(7),
		AuthorizationData: der.Member(r, 8, decodeAuthData),
	}
	return r.Err()
}

// APRep is the service's answer to a mutual authentication request.
type APRep struct {
	EncPart crypto.EncryptedData
}

var apRepFields = der.NewFieldTable("AP-REP",
	der.Field{Tag: 0, Name: "pvno"},
	der.Field{Tag: 1, Name: "msg-type"},
	der.Field{Tag: 2, Name: "enc-part"},
)

func (a *APRep) MessageType() int32 { return MsgTypeAPRep }

func (a *APRep) Marshal() ([]byte, error) {
	r := apRepFields.New()
	r.SetInt(0, PVNO)
	r.SetInt(1, int64(MsgTypeAPRep))
	der.SetMember(r, 2, a.EncPart, crypto.EncryptedData.Value)
	return marshalValue(appValue(int(MsgTypeAPRep), r))
}

func (a *APRep) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	out, err := decodeAPRep(v)
	if err != nil {
		return err
	}
	*a = *out
	return nil
}

func decodeAPRep(v der.TaggedValue) (*APRep, error) {
	inner, err := unwrapMessage("AP-REP", v, MsgTypeAPRep)
	if err != nil {
		return nil, err
	}
	r, err := apRepFields.Decode(inner)
	if err != nil {
		return nil, err
	}
	if err := checkHeader("AP-REP", r, 0, 1, MsgTypeAPRep); err != nil {
		return nil, err
	}
	a := &APRep{EncPart: der.Member(r, 2, crypto.DecodeEncryptedData)}
	return a, r.Err()
}

// EncAPRepPart is the encrypted part of an AP-REP.
type EncAPRepPart struct {
	CTime     time.Time
	CUSec     int32
	SubKey    *crypto.EncryptionKey
	SeqNumber uint32
}

var encAPRepPartFields = der.NewFieldTable("EncAPRepPart",
	der.Field{Tag: 0, Name: "ctime"},
	der.Field{Tag: 1, Name: "cusec"},
	der.Field{Tag: 2, Name: "subkey", Optional: true},
	der.Field{Tag: 3, Name: "seq-number", Optional: true},
)

func (e EncAPRepPart) Marshal() ([]byte, error) {
	r := encAPRepPartFields.New()
	r.SetTime(0, e.CTime)
	r.SetInt(1, int64(e.CUSec))
	if e.SubKey != nil {
		der.SetMember(r, 2, *e.SubKey, crypto.EncryptionKey.Value)
	}
	r.OptInt(3, int64(e.SeqNumber))
	return marshalValue(appValue(TagEncAPRepPart, r))
}

func (e *EncAPRepPart) Unmarshal(b []byte) error {
	v, err := decodeApp(b, TagEncAPRepPart)
	if err != nil {
		return fmt.Errorf("EncAPRepPart: %w", err)
	}
	r, err := encAPRepPartFields.Decode(v)
	if err != nil {
		return err
	}
	*e = EncAPRepPart{
		CTime:     r.Time(0),
		CUSec:     r.Int32(1),
		SubKey:    der.Member(r, 2, keyPtr),
		SeqNumber: r.Uint32(3),
	}
	return r.Err()
}

// KRBError is the error message. It is also a Go error so a client can
// return a received KRB-ERROR as is.
type KRBError struct {
	CTime     time.Time
	CUSec     int32
	STime     time.Time
	SUSec     int32
	ErrorCode int32
	CRealm    string
	CName     PrincipalName
	Realm     string
	SName     PrincipalName
	EText     string
	EData     []byte
}

var krbErrorFields = der.NewFieldTable("KRB-ERROR",
	der.Field{Tag: 0, Name: "pvno"},
	der.Field{Tag: 1, Name: "msg-type"},
	der.Field{Tag: 2, Name: "ctime", Optional: true},
	der.Field{Tag: 3, Name: "cusec", Optional: true},
	der.Field{Tag: 4, Name: "stime"},
	der.Field{Tag: 5, Name: "susec"},
	der.Field{Tag: 6, Name: "error-code"},
	der.Field{Tag: 7, Name: "crealm", Optional: true},
	der.Field{Tag: 8, Name: "cname", Optional: true},
	der.Field{Tag: 9, Name: "realm"},
	der.Field{Tag: 10, Name: "sname"},
	der.Field{Tag: 11, Name: "e-text", Optional: true},
	der.Field{Tag: 12, Name: "e-data", Optional: true},
)

func (e *KRBError) Error() string {
	if e.EText == "" {
		return "krb5: " + ErrorCodeName(e.ErrorCode)
	}
	return fmt.Sprintf("krb5: %s: %s", ErrorCodeName(e.ErrorCode), e.EText)
}

func (e *KRBError) MessageType() int32 { return MsgTypeKRBError }

// MethodData decodes e-data as METHOD-DATA.
func (e *KRBError) MethodData() ([]PAData, error) {
	if len(e.EData) == 0 {
		return nil, nil
	}
	return UnmarshalMethodData(e.EData)
}

func (e *KRBError) Marshal() ([]byte, error) {
	r := krbErrorFields.New()
	r.SetInt(0, PVNO)
	r.SetInt(1, int64(MsgTypeKRBError))
	if !e.CTime.IsZero() {
		r.SetTime(2, e.CTime)
		r.SetInt(3, int64(e.CUSec))
	}
	r.SetTime(4, e.STime)
	r.SetInt(5, int64(e.SUSec))
	r.SetInt(6, int64(e.ErrorCode))
	r.OptString(7, e.CRealm)
	if !e.CName.IsZero() {
		der.SetMember(r, 8, e.CName, PrincipalName.value)
	}
	r.SetString(9, e.Realm)
	der.SetMember(r, 10, e.SName, PrincipalName.value)
	r.OptString(11, e.EText)
	r.OptBytes(12, e.EData)
	return marshalValue(appValue(int(MsgTypeKRBError), r))
}

func (e *KRBError) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	out, err := decodeKRBError(v)
	if err != nil {
		return err
	}
	*e = *out
	return nil
}

func decodeKRBError(v der.TaggedValue) (*KRBError, error) {
	inner, err := unwrapMessage("KRB-ERROR", v, MsgTypeKRBError)
	if err != nil {
		return nil, err
	}
	r, err := krbErrorFields.Decode(inner)
	if err != nil {
		return nil, err
	}
	if err := checkHeader("KRB-ERROR", r, 0, 1, MsgTypeKRBError); err != nil {
		return nil, err
	}
	e := &KRBError{
		CTime:     r.Time(2),
		CUSec:     r.Int32(3),
		STime:     r.Time(4),
		SUSec:     r.Int32(5),
		ErrorCode: r.Int32(6),
		CRealm:    r.String(7),
		CName:     der.Member(r, 8, decodePrincipalName),
		Realm:     r.String(9),
		SName:     der.Member(r, 10, decodePrincipalName),
		EText:     r.String(11),
		EData:     r.Bytes(12),
	}
	return e, r.Err()
}

func encodeTickets(list []Ticket) (der.TaggedValue, error) {
	return der.EncodeSequenceOf(list, Ticket.value)
}

func decodeTickets(v der.TaggedValue) ([]Ticket, error) {
	return der.DecodeSequenceOf(v, decodeTicket)
}
