package der

import (
	"fmt"
	"time"
)

// Field describes one explicitly tagged member of a SEQUENCE.
type Field struct {
	Tag      int
	Name     string
	Optional bool
}

// FieldTable is the declared layout of a SEQUENCE whose members carry
// explicit context tags, the shape of nearly every Kerberos type.
type FieldTable struct {
	Name   string
	Fields []Field
}

// NewFieldTable returns a table for the named type. Fields must be listed in
// strictly ascending tag order.
func NewFieldTable(name string, fields ...Field) *FieldTable {
	for i := 1; i < len(fields); i++ {
		if fields[i].Tag <= fields[i-1].Tag {
			panic(fmt.Sprintf("der: %s: field %q out of order", name, fields[i].Name))
		}
	}
	return &FieldTable{Name: name, Fields: fields}
}

func (t *FieldTable) index(tag int) int {
	for i, f := range t.Fields {
		if f.Tag == tag {
			return i
		}
	}
	return -1
}

// New returns an empty record for t.
func (t *FieldTable) New() *Record {
	return &Record{
		table: t,
		vals:  make([]TaggedValue, len(t.Fields)),
		set:   make([]bool, len(t.Fields)),
	}
}

// Decode parses a SEQUENCE laid out by t. Members must appear in ascending
// tag order, unknown tags are rejected and mandatory members must be
// present.
func (t *FieldTable) Decode(v TaggedValue) (*Record, error) {
	if !v.Is(ClassUniversal, TagSequence) || !v.Constructed {
		return nil, fmt.Errorf("%s: %w", t.Name, decodeErr(ErrUnexpectedTag, 0, "want SEQUENCE, have %v", v))
	}
	children, err := v.Children()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.Name, err)
	}
	r := t.New()
	last := -1
	for _, c := range children {
		if c.Class != ClassContext || !c.Constructed {
			return nil, fmt.Errorf("%s: %w", t.Name, decodeErr(ErrUnexpectedTag, 0, "member %v is not explicitly tagged", c))
		}
		i := t.index(c.Tag)
		if i < 0 {
			return nil, fmt.Errorf("%s: %w", t.Name, decodeErr(ErrUnexpectedTag, 0, "unknown member tag %d", c.Tag))
		}
		if i <= last {
			return nil, fmt.Errorf("%s: %w", t.Name, decodeErr(ErrUnexpectedTag, 0, "member %q out of order", t.Fields[i].Name))
		}
		last = i
		inner, err := Decode(c.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, t.Fields[i].Name, err)
		}
		r.vals[i] = inner
		r.set[i] = true
	}
	for i, f := range t.Fields {
		if !f.Optional && !r.set[i] {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, f.Name, ErrMissingField)
		}
	}
	return r, nil
}

// Record holds the members of one SEQUENCE described by a FieldTable.
//
// The typed setters and getters keep the first error they hit; check Err
// once after a run of calls. Getters of absent members return zero values.
type Record struct {
	table *FieldTable
	vals  []TaggedValue
	set   []bool
	err   error
}

// Err returns the first error recorded by a setter or getter.
func (r *Record) Err() error { return r.err }

// Fail records err against the member with the given tag.
func (r *Record) Fail(tag int, err error) {
	if r.err != nil || err == nil {
		return
	}
	name := fmt.Sprintf("[%d]", tag)
	if i := r.table.index(tag); i >= 0 {
		name = r.table.Fields[i].Name
	}
	r.err = fmt.Errorf("%s.%s: %w", r.table.Name, name, err)
}

func (r *Record) slot(tag int) int {
	i := r.table.index(tag)
	if i < 0 {
		panic(fmt.Sprintf("der: %s has no member with tag %d", r.table.Name, tag))
	}
	return i
}

// Set stores v as the member with the given tag.
func (r *Record) Set(tag int, v TaggedValue) {
	i := r.slot(tag)
	r.vals[i] = v
	r.set[i] = true
}

// SetValue stores v unless err is non-nil, in which case err is recorded.
// It accepts the result of an encoder call directly.
func (r *Record) SetValue(tag int, v TaggedValue, err error) {
	if err != nil {
		r.Fail(tag, err)
		return
	}
	r.Set(tag, v)
}

// Get returns the member with the given tag and whether it is present.
func (r *Record) Get(tag int) (TaggedValue, bool) {
	i := r.slot(tag)
	return r.vals[i], r.set[i]
}

// Has reports whether the member with the given tag is present.
func (r *Record) Has(tag int) bool {
	return r.set[r.slot(tag)]
}

// Encode returns the SEQUENCE. Members are emitted in table order.
func (r *Record) Encode() (TaggedValue, error) {
	if r.err != nil {
		return TaggedValue{}, r.err
	}
	items := make([]TaggedValue, 0, len(r.vals))
	for i, f := range r.table.Fields {
		if !r.set[i] {
			if !f.Optional {
				return TaggedValue{}, fmt.Errorf("%s.%s: %w", r.table.Name, f.Name, ErrMissingField)
			}
			continue
		}
		items = append(items, Context(f.Tag, r.vals[i]))
	}
	return Sequence(items...), nil
}

func (r *Record) SetInt(tag int, n int64) { r.Set(tag, Int(n)) }
func (r *Record) SetString(tag int, s string) { r.Set(tag, GeneralString(s)) }
func (r *Record) SetBytes(tag int, b []byte) { r.Set(tag, OctetString(b)) }
func (r *Record) SetTime(tag int, t time.Time) { r.Set(tag, GeneralizedTime(t)) }
func (r *Record) SetBits(tag int, b BitString) { r.Set(tag, b.Value()) }
func (r *Record) SetBool(tag int, b bool) { r.Set(tag, Bool(b)) }

// OptInt sets an optional integer member when n is non-zero.
func (r *Record) OptInt(tag int, n int64) {
	if n != 0 {
		r.SetInt(tag, n)
	}
}

// OptString sets an optional string member when s is non-empty.
func (r *Record) OptString(tag int, s string) {
	if s != "" {
		r.SetString(tag, s)
	}
}

// OptBytes sets an optional octet string member when b is non-empty.
func (r *Record) OptBytes(tag int, b []byte) {
	if len(b) > 0 {
		r.SetBytes(tag, b)
	}
}

// OptTime sets an optional time member when t is not the zero time.
func (r *Record) OptTime(tag int, t time.Time) {
	if !t.IsZero() {
		r.SetTime(tag, t)
	}
}

func (r *Record) present(tag int) (TaggedValue, bool) {
	if r.err != nil {
		return TaggedValue{}, false
	}
	return r.Get(tag)
}

// Int returns an integer member.
func (r *Record) Int(tag int) int64 {
	v, ok := r.present(tag)
	if !ok {
		return 0
	}
	n, err := v.AsInt()
	r.Fail(tag, err)
	return n
}

// Int32 returns an Int32 member.
func (r *Record) Int32(tag int) int32 {
	v, ok := r.present(tag)
	if !ok {
		return 0
	}
	n, err := DecodeInt32(v)
	r.Fail(tag, err)
	return n
}

// Uint32 returns a UInt32 member.
func (r *Record) Uint32(tag int) uint32 {
	n := r.Int(tag)
	if n < 0 || n > 1<<32-1 {
		r.Fail(tag, decodeErr(ErrInvalidValue, 0, "%d out of UInt32 range", n))
		return 0
	}
	return uint32(n)
}

// String returns a string member.
func (r *Record) String(tag int) string {
	v, ok := r.present(tag)
	if !ok {
		return ""
	}
	s, err := v.AsString()
	r.Fail(tag, err)
	return s
}

// Bytes returns an octet string member.
func (r *Record) Bytes(tag int) []byte {
	v, ok := r.present(tag)
	if !ok {
		return nil
	}
	b, err := v.AsOctetString()
	r.Fail(tag, err)
	return b
}

// Time returns a GeneralizedTime member.
func (r *Record) Time(tag int) time.Time {
	v, ok := r.present(tag)
	if !ok {
		return time.Time{}
	}
	t, err := v.AsTime()
	r.Fail(tag, err)
	return t
}

// Bits returns a BIT STRING member.
func (r *Record) Bits(tag int) BitString {
	v, ok := r.present(tag)
	if !ok {
		return BitString{}
	}
	b, err := v.AsBitString()
	r.Fail(tag, err)
	return b
}

// Bool returns a BOOLEAN member.
func (r *Record) Bool(tag int) bool {
	v, ok := r.present(tag)
	if !ok {
		return false
	}
	b, err := v.AsBool()
	r.Fail(tag, err)
	return b
}

// Member decodes the member with the given tag using dec. It returns the
// zero value when the member is absent.
func Member[T any](r *Record, tag int, dec DecodeFunc[T]) T {
	var zero T
	v, ok := r.present(tag)
	if !ok {
		return zero
	}
	out, err := dec(v)
	if err != nil {
		r.Fail(tag, err)
		return zero
	}
	return out
}

// SetMember encodes x with enc and stores it under tag.
func SetMember[T any](r *Record, tag int, x T, enc EncodeFunc[T]) {
	v, err := enc(x)
	r.SetValue(tag, v, err)
}
