package krb5

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/kardianos/gokdc/der"
	"github.com/kardianos/gokdc/krb5/crypto"
)

// KerberosFlags is a BIT STRING of 32 bits. Bit 0 is the most significant.
type KerberosFlags uint32

// Has reports whether bit is set.
func (f KerberosFlags) Has(bit int) bool {
	return bit >= 0 && bit < 32 && f&(1<<(31-uint(bit))) != 0
}

// Set sets bit.
func (f *KerberosFlags) Set(bit int) {
	if bit >= 0 && bit < 32 {
		*f |= 1 << (31 - uint(bit))
	}
}

// Clear clears bit.
func (f *KerberosFlags) Clear(bit int) {
	if bit >= 0 && bit < 32 {
		*f &^= 1 << (31 - uint(bit))
	}
}

// NewFlags returns flags with the given bits set.
func NewFlags(bits ...int) KerberosFlags {
	var f KerberosFlags
	for _, b := range bits {
		f.Set(b)
	}
	return f
}

func (f KerberosFlags) value() (der.TaggedValue, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(f))
	return der.BitString{Bytes: b, BitLength: 32}.Value(), nil
}

// decodeFlags reads the first 32 bits. Shorter strings leave the missing
// bits clear and bits past 31 are ignored.
func decodeFlags(v der.TaggedValue) (KerberosFlags, error) {
	bs, err := v.AsBitString()
	if err != nil {
		return 0, err
	}
	var f KerberosFlags
	for i := 0; i < 32 && i < bs.BitLength; i++ {
		if bs.At(i) == 1 {
			f.Set(i)
		}
	}
	return f, nil
}

// PrincipalName is a name type and its components.
type PrincipalName struct {
	NameType   int32
	NameString []string
}

// NewPrincipalName splits s on "/" into components.
func NewPrincipalName(nameType int32, s string) PrincipalName {
	return PrincipalName{NameType: nameType, NameString: strings.Split(s, "/")}
}

// ParsePrincipal splits "name/inst@REALM" into a principal name and realm.
// The realm is empty when s has none.
func ParsePrincipal(s string) (PrincipalName, string) {
	realm := ""
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s, realm = s[:i], s[i+1:]
	}
	nt := NameTypePrincipal
	if strings.Contains(s, "/") {
		nt = NameTypeSrvInst
	}
	return NewPrincipalName(nt, s), realm
}

// TGSName is the ticket-granting service principal krbtgt/REALM.
func TGSName(realm string) PrincipalName {
	return PrincipalName{NameType: NameTypeSrvInst, NameString: []string{"krbtgt", realm}}
}

// String joins the components with "/".
func (p PrincipalName) String() string {
	return strings.Join(p.NameString, "/")
}

// IsZero reports whether p has no components.
func (p PrincipalName) IsZero() bool { return len(p.NameString) == 0 }

// Equal compares the components. The name type is not significant.
func (p PrincipalName) Equal(o PrincipalName) bool {
	if len(p.NameString) != len(o.NameString) {
		return false
	}
	for i := range p.NameString {
		if p.NameString[i] != o.NameString[i] {
			return false
		}
	}
	return true
}

// IsTGS reports whether p names a ticket-granting service.
func (p PrincipalName) IsTGS() bool {
	return len(p.NameString) == 2 && p.NameString[0] == "krbtgt"
}

// Validate checks that p has at least one component and no empty ones.
func (p PrincipalName) Validate() error {
	if len(p.NameString) == 0 {
		return fmt.Errorf("principal name: no components")
	}
	for i, c := range p.NameString {
		if c == "" {
			return fmt.Errorf("principal name: component %d is empty", i)
		}
	}
	return nil
}

var principalNameFields = der.NewFieldTable("PrincipalName",
	der.Field{Tag: 0, Name: "name-type"},
	der.Field{Tag: 1, Name: "name-string"},
)

func (p PrincipalName) value() (der.TaggedValue, error) {
	r := principalNameFields.New()
	r.SetInt(0, int64(p.NameType))
	der.SetMember(r, 1, p.NameString, encodeStrings)
	return r.Encode()
}

func decodePrincipalName(v der.TaggedValue) (PrincipalName, error) {
	r, err := principalNameFields.Decode(v)
	if err != nil {
		return PrincipalName{}, err
	}
	p := PrincipalName{NameType: r.Int32(0), NameString: der.Member(r, 1, decodeStrings)}
	return p, r.Err()
}

// HostAddress is one network address.
type HostAddress struct {
	AddrType int32
	Address  []byte
}

var hostAddressFields = der.NewFieldTable("HostAddress",
	der.Field{Tag: 0, Name: "addr-type"},
	der.Field{Tag: 1, Name: "address"},
)

func (h HostAddress) value() (der.TaggedValue, error) {
	r := hostAddressFields.New()
	r.SetInt(0, int64(h.AddrType))
	r.SetBytes(1, h.Address)
	return r.Encode()
}

func decodeHostAddress(v der.TaggedValue) (HostAddress, error) {
	r, err := hostAddressFields.Decode(v)
	if err != nil {
		return HostAddress{}, err
	}
	h := HostAddress{AddrType: r.Int32(0), Address: r.Bytes(1)}
	return h, r.Err()
}

// AuthorizationDataEntry is one element of AuthorizationData.
type AuthorizationDataEntry struct {
	ADType int32
	ADData []byte
}

var adEntryFields = der.NewFieldTable("AuthorizationData",
	der.Field{Tag: 0, Name: "ad-type"},
	der.Field{Tag: 1, Name: "ad-data"},
)

func (a AuthorizationDataEntry) value() (der.TaggedValue, error) {
	r := adEntryFields.New()
	r.SetInt(0, int64(a.ADType))
	r.SetBytes(1, a.ADData)
	return r.Encode()
}

func decodeADEntry(v der.TaggedValue) (AuthorizationDataEntry, error) {
	r, err := adEntryFields.Decode(v)
	if err != nil {
		return AuthorizationDataEntry{}, err
	}
	a := AuthorizationDataEntry{ADType: r.Int32(0), ADData: r.Bytes(1)}
	return a, r.Err()
}

// TransitedEncoding lists the realms a cross-realm ticket passed through.
type TransitedEncoding struct {
	TRType   int32
	Contents []byte
}

var transitedFields = der.NewFieldTable("TransitedEncoding",
	der.Field{Tag: 0, Name: "tr-type"},
	der.Field{Tag: 1, Name: "contents"},
)

func (t TransitedEncoding) value() (der.TaggedValue, error) {
	r := transitedFields.New()
	r.SetInt(0, int64(t.TRType))
	r.SetBytes(1, t.Contents)
	return r.Encode()
}

func decodeTransited(v der.TaggedValue) (TransitedEncoding, error) {
	r, err := transitedFields.Decode(v)
	if err != nil {
		return TransitedEncoding{}, err
	}
	t := TransitedEncoding{TRType: r.Int32(0), Contents: r.Bytes(1)}
	return t, r.Err()
}

// LastReqEntry is one element of LastReq.
type LastReqEntry struct {
	LRType  int32
	LRValue time.Time
}

var lastReqFields = der.NewFieldTable("LastReq",
	der.Field{Tag: 0, Name: "lr-type"},
	der.Field{Tag: 1, Name: "lr-value"},
)

func (l LastReqEntry) value() (der.TaggedValue, error) {
	r := lastReqFields.New()
	r.SetInt(0, int64(l.LRType))
	r.SetTime(1, l.LRValue)
	return r.Encode()
}

func decodeLastReq(v der.TaggedValue) (LastReqEntry, error) {
	r, err := lastReqFields.Decode(v)
	if err != nil {
		return LastReqEntry{}, err
	}
	l := LastReqEntry{LRType: r.Int32(0), LRValue: r.Time(1)}
	return l, r.Err()
}

// PAData is one pre-authentication element.
type PAData struct {
	PADataType  int32
	PADataValue []byte
}

var paDataFields = der.NewFieldTable("PA-DATA",
	der.Field{Tag: 1, Name: "padata-type"},
	der.Field{Tag: 2, Name: "padata-value"},
)

func (p PAData) value() (der.TaggedValue, error) {
	r := paDataFields.New()
	r.SetInt(1, int64(p.PADataType))
	r.SetBytes(2, p.PADataValue)
	return r.Encode()
}

func decodePAData(v der.TaggedValue) (PAData, error) {
	r, err := paDataFields.Decode(v)
	if err != nil {
		return PAData{}, err
	}
	p := PAData{PADataType: r.Int32(1), PADataValue: r.Bytes(2)}
	return p, r.Err()
}

// FindPAData returns the first element of the given type.
func FindPAData(list []PAData, paType int32) (PAData, bool) {
	for _, p := range list {
		if p.PADataType == paType {
			return p, true
		}
	}
	return PAData{}, false
}

// MarshalMethodData encodes METHOD-DATA, the SEQUENCE OF PA-DATA carried in
// KRB-ERROR e-data.
func MarshalMethodData(list []PAData) ([]byte, error) {
	v, err := encodePADataList(list)
	if err != nil {
		return nil, err
	}
	return der.Encode(v), nil
}

// UnmarshalMethodData decodes METHOD-DATA.
func UnmarshalMethodData(b []byte) ([]PAData, error) {
	v, err := der.Decode(b)
	if err != nil {
		return nil, err
	}
	return decodePADataList(v)
}

// PAEncTSEnc is the plaintext of PA-ENC-TIMESTAMP and of encrypted
// challenge.
type PAEncTSEnc struct {
	PATimestamp time.Time
	PAUSec      int32
	HasUSec     bool
}

var paEncTSEncFields = der.NewFieldTable("PA-ENC-TS-ENC",
	der.Field{Tag: 0, Name: "patimestamp"},
	der.Field{Tag: 1, Name: "pausec", Optional: true},
)

// NewPAEncTSEnc returns a timestamp for t with its microseconds.
func NewPAEncTSEnc(t time.Time) PAEncTSEnc {
	return PAEncTSEnc{
		PATimestamp: t.UTC().Truncate(time.Second),
		PAUSec:      int32(t.Nanosecond() / 1000),
		HasUSec:     true,
	}
}

// Time returns the timestamp with its microseconds.
func (p PAEncTSEnc) Time() time.Time {
	return p.PATimestamp.Add(time.Duration(p.PAUSec) * time.Microsecond)
}

func (p PAEncTSEnc) Marshal() ([]byte, error) {
	r := paEncTSEncFields.New()
	r.SetTime(0, p.PATimestamp)
	if p.HasUSec {
		r.SetInt(1, int64(p.PAUSec))
	}
	return encodeRecord(r)
}

func (p *PAEncTSEnc) Unmarshal(b []byte) error {
	v, err := der.DecodePadded(b)
	if err != nil {
		return err
	}
	r, err := paEncTSEncFields.Decode(v)
	if err != nil {
		return err
	}
	*p = PAEncTSEnc{PATimestamp: r.Time(0), PAUSec: r.Int32(1), HasUSec: r.Has(1)}
	if p.PAUSec < 0 || p.PAUSec > 999999 {
		return fmt.Errorf("PA-ENC-TS-ENC.pausec: %w: %d", der.ErrInvalidValue, p.PAUSec)
	}
	return r.Err()
}

// ETypeInfo2Entry tells the client how to derive its key for one etype.
type ETypeInfo2Entry struct {
	EType     int32
	Salt      string
	HasSalt   bool
	S2KParams []byte
}

var etypeInfo2Fields = der.NewFieldTable("ETYPE-INFO2-ENTRY",
	der.Field{Tag: 0, Name: "etype"},
	der.Field{Tag: 1, Name: "salt", Optional: true},
	der.Field{Tag: 2, Name: "s2kparams", Optional: true},
)

func (e ETypeInfo2Entry) value() (der.TaggedValue, error) {
	r := etypeInfo2Fields.New()
	r.SetInt(0, int64(e.EType))
	if e.HasSalt {
		r.SetString(1, e.Salt)
	}
	r.OptBytes(2, e.S2KParams)
	return r.Encode()
}

func decodeETypeInfo2Entry(v der.TaggedValue) (ETypeInfo2Entry, error) {
	r, err := etypeInfo2Fields.Decode(v)
	if err != nil {
		return ETypeInfo2Entry{}, err
	}
	e := ETypeInfo2Entry{EType: r.Int32(0), Salt: r.String(1), HasSalt: r.Has(1), S2KParams: r.Bytes(2)}
	return e, r.Err()
}

// ETypeInfo2 is the value of PA-ETYPE-INFO2.
type ETypeInfo2 []ETypeInfo2Entry

func (e ETypeInfo2) Marshal() ([]byte, error) {
	v, err := der.EncodeSequenceOf(e, ETypeInfo2Entry.value)
	if err != nil {
		return nil, err
	}
	return der.Encode(v), nil
}

func (e *ETypeInfo2) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	list, err := der.DecodeSequenceOf(v, decodeETypeInfo2Entry)
	if err != nil {
		return fmt.Errorf("ETYPE-INFO2: %w", err)
	}
	*e = list
	return nil
}

// PACRequest is KERB-PA-PAC-REQUEST.
type PACRequest struct {
	IncludePAC bool
}

var pacRequestFields = der.NewFieldTable("KERB-PA-PAC-REQUEST",
	der.Field{Tag: 0, Name: "include-pac"},
)

func (p PACRequest) Marshal() ([]byte, error) {
	r := pacRequestFields.New()
	r.SetBool(0, p.IncludePAC)
	return encodeRecord(r)
}

func (p *PACRequest) Unmarshal(b []byte) error {
	v, err := der.Decode(b)
	if err != nil {
		return err
	}
	r, err := pacRequestFields.Decode(v)
	if err != nil {
		return err
	}
	p.IncludePAC = r.Bool(0)
	return r.Err()
}

func encodeRecord(r *der.Record) ([]byte, error) {
	v, err := r.Encode()
	if err != nil {
		return nil, err
	}
	return der.Encode(v), nil
}

// Collection codecs.

func encodeStrings(s []string) (der.TaggedValue, error) {
	return der.EncodeSequenceOf(s, der.EncodeGeneralString)
}

func decodeStrings(v der.TaggedValue) ([]string, error) {
	return der.DecodeSequenceOf(v, der.DecodeString)
}

func encodeInt32s(n []int32) (der.TaggedValue, error) {
	return der.EncodeSequenceOf(n, der.EncodeInt32)
}

func decodeInt32s(v der.TaggedValue) ([]int32, error) {
	return der.DecodeSequenceOf(v, der.DecodeInt32)
}

func encodePADataList(list []PAData) (der.TaggedValue, error) {
	return der.EncodeSequenceOf(list, PAData.value)
}

func decodePADataList(v der.TaggedValue) ([]PAData, error) {
	return der.DecodeSequenceOf(v, decodePAData)
}

func encodeAddresses(list []HostAddress) (der.TaggedValue, error) {
	return der.EncodeSequenceOf(list, HostAddress.value)
}

func decodeAddresses(v der.TaggedValue) ([]HostAddress, error) {
	return der.DecodeSequenceOf(v, decodeHostAddress)
}

func encodeAuthData(list []AuthorizationDataEntry) (der.TaggedValue, error) {
	return der.EncodeSequenceOf(list, AuthorizationDataEntry.value)
}

func decodeAuthData(v der.TaggedValue) ([]AuthorizationDataEntry, error) {
	return der.DecodeSequenceOf(v, decodeADEntry)
}

func encodeLastReq(list []LastReqEntry) (der.TaggedValue, error) {
	return der.EncodeSequenceOf(list, LastReqEntry.value)
}

func decodeLastReqList(v der.TaggedValue) ([]LastReqEntry, error) {
	return der.DecodeSequenceOf(v, decodeLastReq)
}

// optional members held by pointer

func keyPtr(v der.TaggedValue) (*crypto.EncryptionKey, error) {
	k, err := crypto.DecodeEncryptionKey(v)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func checksumPtr(v der.TaggedValue) (*crypto.Checksum, error) {
	c, err := crypto.DecodeChecksum(v)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func encDataPtr(v der.TaggedValue) (*crypto.EncryptedData, error) {
	e, err := crypto.DecodeEncryptedData(v)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
