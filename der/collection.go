package der

import (
	"bytes"
	"fmt"
)

// EncodeFunc encodes one element of a collection.
type EncodeFunc[T any] func(T) (TaggedValue, error)

// DecodeFunc decodes one element of a collection.
type DecodeFunc[T any] func(TaggedValue) (T, error)

func constructed(tag int, items []TaggedValue) TaggedValue {
	var buf bytes.Buffer
	for _, it := range items {
		buf.Write(Encode(it))
	}
	return TaggedValue{Class: ClassUniversal, Tag: tag, Constructed: true, Bytes: buf.Bytes()}
}

// Sequence returns a SEQUENCE of items in the given order.
func Sequence(items ...TaggedValue) TaggedValue {
	return constructed(TagSequence, items)
}

// Set returns a SET of items in the given order. No canonical DER sorting is
// applied.
func Set(items ...TaggedValue) TaggedValue {
	return constructed(TagSet, items)
}

func encodeOf[T any](tag int, items []T, enc EncodeFunc[T]) (TaggedValue, error) {
	vals := make([]TaggedValue, 0, len(items))
	for i, it := range items {
		v, err := enc(it)
		if err != nil {
			return TaggedValue{}, fmt.Errorf("element %d: %w", i, err)
		}
		vals = append(vals, v)
	}
	return constructed(tag, vals), nil
}

func decodeOf[T any](tag int, v TaggedValue, dec DecodeFunc[T]) ([]T, error) {
	if !v.Is(ClassUniversal, tag) || !v.Constructed {
		return nil, decodeErr(ErrUnexpectedTag, 0, "want %s, have %v", universal[tag].name, v)
	}
	children, err := v.Children()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(children))
	for i, c := range children {
		e, err := dec(c)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// EncodeSequenceOf encodes items as SEQUENCE OF using enc for each element.
func EncodeSequenceOf[T any](items []T, enc EncodeFunc[T]) (TaggedValue, error) {
	return encodeOf(TagSequence, items, enc)
}

// DecodeSequenceOf decodes a SEQUENCE OF using dec for each element.
func DecodeSequenceOf[T any](v TaggedValue, dec DecodeFunc[T]) ([]T, error) {
	return decodeOf(TagSequence, v, dec)
}

// EncodeSetOf encodes items as SET OF in slice order.
func EncodeSetOf[T any](items []T, enc EncodeFunc[T]) (TaggedValue, error) {
	return encodeOf(TagSet, items, enc)
}

// DecodeSetOf decodes a SET OF, keeping the received element order.
func DecodeSetOf[T any](v TaggedValue, dec DecodeFunc[T]) ([]T, error) {
	return decodeOf(TagSet, v, dec)
}

// Alternative is one arm of a CHOICE.
type Alternative[T any] struct {
	Class  Class
	Tag    int
	Decode DecodeFunc[T]
}

// DecodeChoice decodes v with the first alternative whose class and tag
// match.
func DecodeChoice[T any](v TaggedValue, alts ...Alternative[T]) (T, error) {
	for _, a := range alts {
		if v.Is(a.Class, a.Tag) {
			return a.Decode(v)
		}
	}
	var zero T
	return zero, decodeErr(ErrUnrecognizedAlternative, 0, "no alternative for %v", v)
}

// Element codecs for the common Kerberos collections.
var (
	EncodeInt32 EncodeFunc[int32] = func(n int32) (TaggedValue, error) { return Int(int64(n)), nil }
	DecodeInt32 DecodeFunc[int32] = func(v TaggedValue) (int32, error) {
		n, err := v.AsInt()
		if err != nil {
			return 0, err
		}
		if n < -1<<31 || n > 1<<31-1 {
			return 0, decodeErr(ErrInvalidValue, 0, "%d out of Int32 range", n)
		}
		return int32(n), nil
	}
	EncodeGeneralString EncodeFunc[string] = func(s string) (TaggedValue, error) { return GeneralString(s), nil }
	DecodeString        DecodeFunc[string] = func(v TaggedValue) (string, error) { return v.AsString() }
)
