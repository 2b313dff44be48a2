package der

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Universal tag numbers used by Kerberos.
const (
	TagBoolean         = 1
	TagInteger         = 2
	TagBitString       = 3
	TagOctetString     = 4
	TagNull            = 5
	TagUTF8String      = 12
	TagSequence        = 16
	TagSet             = 17
	TagPrintableString = 19
	TagIA5String       = 22
	TagGeneralizedTime = 24
	TagGeneralString   = 27
)

// universalKind describes how one universal tag is checked. String kinds
// differ only by their charset check.
type universalKind struct {
	name        string
	constructed bool
	check       func(body []byte) error
}

var universal = map[int]universalKind{
	TagBoolean:         {name: "BOOLEAN", check: checkBoolean},
	TagInteger:         {name: "INTEGER", check: checkInteger},
	TagBitString:       {name: "BIT STRING", check: checkBitString},
	TagOctetString:     {name: "OCTET STRING"},
	TagNull:            {name: "NULL", check: checkNull},
	TagUTF8String:      {name: "UTF8String", check: checkUTF8},
	TagSequence:        {name: "SEQUENCE", constructed: true},
	TagSet:             {name: "SET", constructed: true},
	TagPrintableString: {name: "PrintableString", check: checkPrintable},
	TagIA5String:       {name: "IA5String", check: checkIA5},
	TagGeneralizedTime: {name: "GeneralizedTime", check: checkTime},
	TagGeneralString:   {name: "GeneralString"},
}

// checkUniversal validates a universal value against the table. Tags not in
// the table pass through untouched.
func checkUniversal(v TaggedValue) error {
	k, ok := universal[v.Tag]
	if !ok {
		return nil
	}
	if v.Constructed != k.constructed {
		return fmt.Errorf("%s has wrong constructed bit", k.name)
	}
	if k.check == nil {
		return nil
	}
	if err := k.check(v.Bytes); err != nil {
		return fmt.Errorf("%s: %w", k.name, err)
	}
	return nil
}

func checkBoolean(b []byte) error {
	if len(b) != 1 {
		return errors.New("length must be 1")
	}
	if b[0] != 0x00 && b[0] != 0xff {
		return fmt.Errorf("non-canonical value %#02x", b[0])
	}
	return nil
}

func checkInteger(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty")
	}
	if len(b) > 1 && ((b[0] == 0 && b[1]&0x80 == 0) || (b[0] == 0xff && b[1]&0x80 != 0)) {
		return errors.New("not minimally encoded")
	}
	return nil
}

func checkBitString(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty")
	}
	unused := b[0]
	if unused > 7 || (len(b) == 1 && unused != 0) {
		return fmt.Errorf("invalid unused bit count %d", unused)
	}
	if unused > 0 && b[len(b)-1]&(1<<unused-1) != 0 {
		return errors.New("non-zero padding bits")
	}
	return nil
}

func checkNull(b []byte) error {
	if len(b) != 0 {
		return errors.New("non-empty")
	}
	return nil
}

func checkUTF8(b []byte) error {
	if !utf8.Valid(b) {
		return errors.New("invalid UTF-8")
	}
	return nil
}

func checkPrintable(b []byte) error {
	for _, c := range b {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == ' ', c == '\'', c == '(', c == ')', c == '+', c == ',', c == '-', c == '.', c == '/', c == ':', c == '=', c == '?':
		default:
			return fmt.Errorf("character %q not printable", c)
		}
	}
	return nil
}

func checkIA5(b []byte) error {
	for _, c := range b {
		if c >= 0x80 {
			return fmt.Errorf("character %#02x outside IA5", c)
		}
	}
	return nil
}

// Kerberos restricts GeneralizedTime to UTC with whole seconds.
const generalizedTimeLayout = "20060102150405"

func checkTime(b []byte) error {
	_, err := parseTime(b)
	return err
}

func parseTime(b []byte) (time.Time, error) {
	if len(b) != len(generalizedTimeLayout)+1 || b[len(b)-1] != 'Z' {
		return time.Time{}, fmt.Errorf("%q is not YYYYMMDDHHMMSSZ", b)
	}
	t, err := time.Parse(generalizedTimeLayout, string(b[:len(b)-1]))
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func primitive(tag int, body []byte) TaggedValue {
	return TaggedValue{Class: ClassUniversal, Tag: tag, Bytes: body}
}

// Bool returns a DER BOOLEAN.
func Bool(b bool) TaggedValue {
	if b {
		return primitive(TagBoolean, []byte{0xff})
	}
	return primitive(TagBoolean, []byte{0x00})
}

// Int returns a minimally encoded INTEGER.
func Int(n int64) TaggedValue {
	var buf [8]byte
	for i := range buf {
		buf[7-i] = byte(n >> (8 * i))
	}
	i := 0
	for i < 7 && ((buf[i] == 0 && buf[i+1]&0x80 == 0) || (buf[i] == 0xff && buf[i+1]&0x80 != 0)) {
		i++
	}
	return primitive(TagInteger, append([]byte(nil), buf[i:]...))
}

// OctetString returns an OCTET STRING holding b.
func OctetString(b []byte) TaggedValue {
	return primitive(TagOctetString, b)
}

// Null returns NULL.
func Null() TaggedValue {
	return primitive(TagNull, nil)
}

// GeneralString returns a GeneralString, the Kerberos string type.
func GeneralString(s string) TaggedValue {
	return primitive(TagGeneralString, []byte(s))
}

// String returns a string value of the given universal string tag after
// checking the tag's charset.
func String(tag int, s string) (TaggedValue, error) {
	k, ok := universal[tag]
	if !ok || !isStringTag(tag) {
		return TaggedValue{}, fmt.Errorf("der: tag %d is not a string type", tag)
	}
	if k.check != nil {
		if err := k.check([]byte(s)); err != nil {
			return TaggedValue{}, fmt.Errorf("der: %s: %w", k.name, err)
		}
	}
	return primitive(tag, []byte(s)), nil
}

func isStringTag(tag int) bool {
	switch tag {
	case TagUTF8String, TagPrintableString, TagIA5String, TagGeneralString:
		return true
	}
	return false
}

// GeneralizedTime returns t in the Kerberos time format, truncated to whole
// seconds in UTC.
func GeneralizedTime(t time.Time) TaggedValue {
	return primitive(TagGeneralizedTime, []byte(t.UTC().Format(generalizedTimeLayout)+"Z"))
}

// BitString is an ASN.1 BIT STRING. Bit 0 is the most significant bit of
// the first byte.
type BitString struct {
	Bytes     []byte
	BitLength int
}

// At returns bit i, or 0 when i is out of range.
func (b BitString) At(i int) int {
	if i < 0 || i >= b.BitLength {
		return 0
	}
	return int(b.Bytes[i/8]>>(7-uint(i%8))) & 1
}

// Value returns a BIT STRING value for b.
func (b BitString) Value() TaggedValue {
	unused := (8 - b.BitLength%8) % 8
	body := make([]byte, 1+len(b.Bytes))
	body[0] = byte(unused)
	copy(body[1:], b.Bytes)
	if unused > 0 && len(b.Bytes) > 0 {
		body[len(body)-1] &^= 1<<unused - 1
	}
	return primitive(TagBitString, body)
}

func (v TaggedValue) expect(tag int) error {
	if v.Class != ClassUniversal || v.Tag != tag || v.Constructed {
		return decodeErr(ErrUnexpectedTag, 0, "want %s, have %v", universal[tag].name, v)
	}
	return nil
}

// AsBool decodes a BOOLEAN.
func (v TaggedValue) AsBool() (bool, error) {
	if err := v.expect(TagBoolean); err != nil {
		return false, err
	}
	if err := checkBoolean(v.Bytes); err != nil {
		return false, decodeErr(ErrInvalidValue, 0, "BOOLEAN: %v", err)
	}
	return v.Bytes[0] == 0xff, nil
}

// AsInt decodes an INTEGER that fits in an int64.
func (v TaggedValue) AsInt() (int64, error) {
	if err := v.expect(TagInteger); err != nil {
		return 0, err
	}
	if err := checkInteger(v.Bytes); err != nil {
		return 0, decodeErr(ErrInvalidValue, 0, "INTEGER: %v", err)
	}
	if len(v.Bytes) > 8 {
		return 0, decodeErr(ErrInvalidValue, 0, "INTEGER too large")
	}
	var n int64
	for _, c := range v.Bytes {
		n = n<<8 | int64(c)
	}
	// Sign extend.
	shift := uint(64 - 8*len(v.Bytes))
	return n << shift >> shift, nil
}

// AsOctetString returns the body of an OCTET STRING.
func (v TaggedValue) AsOctetString() ([]byte, error) {
	if err := v.expect(TagOctetString); err != nil {
		return nil, err
	}
	return v.Bytes, nil
}

// AsNull checks for NULL.
func (v TaggedValue) AsNull() error {
	if err := v.expect(TagNull); err != nil {
		return err
	}
	return checkNull(v.Bytes)
}

// AsString decodes any of the supported string types.
func (v TaggedValue) AsString() (string, error) {
	if v.Class != ClassUniversal || v.Constructed || !isStringTag(v.Tag) {
		return "", decodeErr(ErrUnexpectedTag, 0, "want string, have %v", v)
	}
	if err := checkUniversal(v); err != nil {
		return "", decodeErr(ErrInvalidValue, 0, "%v", err)
	}
	return string(v.Bytes), nil
}

// AsTime decodes a Kerberos GeneralizedTime.
func (v TaggedValue) AsTime() (time.Time, error) {
	if err := v.expect(TagGeneralizedTime); err != nil {
		return time.Time{}, err
	}
	t, err := parseTime(v.Bytes)
	if err != nil {
		return time.Time{}, decodeErr(ErrInvalidValue, 0, "GeneralizedTime: %v", err)
	}
	return t, nil
}

// AsBitString decodes a BIT STRING.
func (v TaggedValue) AsBitString() (BitString, error) {
	if err := v.expect(TagBitString); err != nil {
		return BitString{}, err
	}
	if err := checkBitString(v.Bytes); err != nil {
		return BitString{}, decodeErr(ErrInvalidValue, 0, "BIT STRING: %v", err)
	}
	return BitString{
		Bytes:     v.Bytes[1:],
		BitLength: 8*(len(v.Bytes)-1) - int(v.Bytes[0]),
	}, nil
}
