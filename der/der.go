// Package der implements the subset of ASN.1 DER used by Kerberos messages.
//
// A TaggedValue is one decoded unit: its tag class, tag number, constructed
// flag and body bytes. Values are decoded and encoded without reflection.
// Universal primitives are validated against a small table keyed by the
// universal tag number, and constructed Kerberos types are described by
// field tables (see Record).
//
// Decoding is strict: indefinite lengths, non-minimal lengths and trailing
// bytes are rejected, so re-encoding a decoded value reproduces the input.
package der

import (
	"bytes"
	"errors"
	"fmt"
)

// Class is the ASN.1 tag class.
type Class uint8

const (
	ClassUniversal   Class = 0
	ClassApplication Class = 1
	ClassContext     Class = 2
	ClassPrivate     Class = 3
)

func (c Class) String() string {
	switch c {
	case ClassUniversal:
		return "universal"
	case ClassApplication:
		return "application"
	case ClassContext:
		return "context"
	case ClassPrivate:
		return "private"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Decode error kinds. DecodeError unwraps to one of these.
var (
	ErrMalformedLength         = errors.New("malformed length")
	ErrMalformedTag            = errors.New("malformed tag")
	ErrTruncated               = errors.New("truncated")
	ErrTrailingBytes           = errors.New("trailing bytes")
	ErrUnexpectedTag           = errors.New("unexpected tag")
	ErrUnrecognizedAlternative = errors.New("unrecognized alternative")
	ErrInvalidValue            = errors.New("invalid value")
	ErrMissingField            = errors.New("missing mandatory field")
)

// DecodeError reports where and why decoding failed.
type DecodeError struct {
	Kind   error
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("der: %v at offset %d", e.Kind, e.Offset)
	}
	return fmt.Sprintf("der: %v at offset %d: %s", e.Kind, e.Offset, e.Msg)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func decodeErr(kind error, off int, format string, args ...any) error {
	return &DecodeError{Kind: kind, Offset: off, Msg: fmt.Sprintf(format, args...)}
}

// maxLengthOctets bounds long-form lengths to 32 bits.
const maxLengthOctets = 4

// TaggedValue is one ASN.1 unit. Bytes is the body and, for decoded values,
// aliases the input buffer.
type TaggedValue struct {
	Class       Class
	Tag         int
	Constructed bool
	Bytes       []byte
}

// Is reports whether v carries the given class and tag.
func (v TaggedValue) Is(class Class, tag int) bool {
	return v.Class == class && v.Tag == tag
}

func (v TaggedValue) String() string {
	kind := "primitive"
	if v.Constructed {
		kind = "constructed"
	}
	return fmt.Sprintf("[%s %d %s, %d bytes]", v.Class, v.Tag, kind, len(v.Bytes))
}

// Children decodes the body of a constructed value as a series of values.
// The body must be consumed exactly.
func (v TaggedValue) Children() ([]TaggedValue, error) {
	if !v.Constructed {
		return nil, decodeErr(ErrUnexpectedTag, 0, "%v is not constructed", v)
	}
	var out []TaggedValue
	rest := v.Bytes
	off := 0
	for len(rest) > 0 {
		child, n, err := decodeAt(rest, off)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
		rest = rest[n:]
		off += n
	}
	return out, nil
}

// Decode decodes exactly one value from b. Bytes after the value are an
// error.
func Decode(b []byte) (TaggedValue, error) {
	v, n, err := decodeAt(b, 0)
	if err != nil {
		return TaggedValue{}, err
	}
	if n != len(b) {
		return TaggedValue{}, decodeErr(ErrTrailingBytes, n, "%d bytes after value", len(b)-n)
	}
	return v, nil
}

// DecodePrefix decodes one value from the front of b and returns the rest.
func DecodePrefix(b []byte) (TaggedValue, []byte, error) {
	v, n, err := decodeAt(b, 0)
	if err != nil {
		return TaggedValue{}, nil, err
	}
	return v, b[n:], nil
}

// DecodePadded decodes one value followed only by zero octets. Block
// ciphers without ciphertext stealing leave such padding after decryption.
func DecodePadded(b []byte) (TaggedValue, error) {
	v, n, err := decodeAt(b, 0)
	if err != nil {
		return TaggedValue{}, err
	}
	for i := n; i < len(b); i++ {
		if b[i] != 0 {
			return TaggedValue{}, decodeErr(ErrTrailingBytes, i, "non-zero padding")
		}
	}
	return v, nil
}

// decodeAt decodes the value at the front of b. off is the position of b in
// the outermost buffer and is only used for error reporting. It returns the
// number of bytes consumed.
func decodeAt(b []byte, off int) (TaggedValue, int, error) {
	var v TaggedValue
	if len(b) < 2 {
		return v, 0, decodeErr(ErrTruncated, off, "need at least 2 bytes, have %d", len(b))
	}
	v.Class = Class(b[0] >> 6)
	v.Constructed = b[0]&0x20 != 0
	v.Tag = int(b[0] & 0x1f)
	pos := 1
	if v.Tag == 0x1f {
		tag, n, err := parseHighTag(b[1:], off+1)
		if err != nil {
			return v, 0, err
		}
		v.Tag = tag
		pos += n
	}
	if pos >= len(b) {
		return v, 0, decodeErr(ErrTruncated, off+pos, "missing length")
	}
	length, n, err := parseLength(b[pos:], off+pos)
	if err != nil {
		return v, 0, err
	}
	pos += n
	if length > len(b)-pos {
		return v, 0, decodeErr(ErrMalformedLength, off+pos, "length %d exceeds remaining %d bytes", length, len(b)-pos)
	}
	v.Bytes = b[pos : pos+length]
	if v.Class == ClassUniversal {
		if err := checkUniversal(v); err != nil {
			return v, 0, &DecodeError{Kind: ErrInvalidValue, Offset: off, Msg: err.Error()}
		}
	}
	return v, pos + length, nil
}

func parseHighTag(b []byte, off int) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, decodeErr(ErrTruncated, off, "missing high tag number")
	}
	if b[0] == 0x80 {
		return 0, 0, decodeErr(ErrMalformedTag, off, "leading zero in tag number")
	}
	tag := 0
	for i := 0; i < len(b); i++ {
		if i >= 4 {
			return 0, 0, decodeErr(ErrMalformedTag, off, "tag number too large")
		}
		tag = tag<<7 | int(b[i]&0x7f)
		if b[i]&0x80 == 0 {
			if tag < 0x1f {
				return 0, 0, decodeErr(ErrMalformedTag, off, "high tag form used for tag %d", tag)
			}
			return tag, i + 1, nil
		}
	}
	return 0, 0, decodeErr(ErrTruncated, off, "unterminated tag number")
}

func parseLength(b []byte, off int) (int, int, error) {
	first := b[0]
	if first < 0x80 {
		return int(first), 1, nil
	}
	if first == 0x80 {
		return 0, 0, decodeErr(ErrMalformedLength, off, "indefinite length")
	}
	count := int(first & 0x7f)
	if count > maxLengthOctets {
		return 0, 0, decodeErr(ErrMalformedLength, off, "%d length octets", count)
	}
	if len(b) < 1+count {
		return 0, 0, decodeErr(ErrMalformedLength, off, "length octets truncated")
	}
	if b[1] == 0 {
		return 0, 0, decodeErr(ErrMalformedLength, off, "non-minimal length")
	}
	length := 0
	for _, c := range b[1 : 1+count] {
		length = length<<8 | int(c)
	}
	if length < 0x80 {
		return 0, 0, decodeErr(ErrMalformedLength, off, "long form for length %d", length)
	}
	return length, 1 + count, nil
}

// Encode returns the DER encoding of v.
func Encode(v TaggedValue) []byte {
	var buf bytes.Buffer
	buf.Grow(len(v.Bytes) + 8)
	appendHeader(&buf, v.Class, v.Tag, v.Constructed, len(v.Bytes))
	buf.Write(v.Bytes)
	return buf.Bytes()
}

func appendHeader(buf *bytes.Buffer, class Class, tag int, constructed bool, length int) {
	first := byte(class) << 6
	if constructed {
		first |= 0x20
	}
	if tag < 0x1f {
		buf.WriteByte(first | byte(tag))
	} else {
		buf.WriteByte(first | 0x1f)
		var enc [5]byte
		i := len(enc)
		for t := tag; ; t >>= 7 {
			i--
			enc[i] = byte(t & 0x7f)
			if t < 0x80 {
				break
			}
		}
		for j := i; j < len(enc)-1; j++ {
			enc[j] |= 0x80
		}
		buf.Write(enc[i:])
	}

	if length < 0x80 {
		buf.WriteByte(byte(length))
		return
	}
	var enc [maxLengthOctets]byte
	i := len(enc)
	for l := length; l > 0; l >>= 8 {
		i--
		enc[i] = byte(l)
	}
	buf.WriteByte(0x80 | byte(len(enc)-i))
	buf.Write(enc[i:])
}

// Explicit wraps the encoding of inner in a constructed value with the
// given class and tag.
func Explicit(class Class, tag int, inner TaggedValue) TaggedValue {
	return TaggedValue{Class: class, Tag: tag, Constructed: true, Bytes: Encode(inner)}
}

// Context is Explicit with the context-specific class.
func Context(tag int, inner TaggedValue) TaggedValue {
	return Explicit(ClassContext, tag, inner)
}

// Application is Explicit with the application class.
func Application(tag int, inner TaggedValue) TaggedValue {
	return Explicit(ClassApplication, tag, inner)
}

// Unwrap checks that v is an explicit class/tag wrapper and returns the
// single value it contains.
func Unwrap(v TaggedValue, class Class, tag int) (TaggedValue, error) {
	if !v.Is(class, tag) || !v.Constructed {
		return TaggedValue{}, decodeErr(ErrUnexpectedTag, 0, "want [%s %d], have %v", class, tag, v)
	}
	return Decode(v.Bytes)
}
