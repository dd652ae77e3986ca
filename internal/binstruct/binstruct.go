// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package binstruct maps fixed-layout binary records onto Go structs.
//
// Each field to be coded carries a tag giving its byte offset
// and, for integers wider than a byte, its encoding:
//
//	type dirRecord struct {
//		Len    uint8     `bin:"0"`
//		Extent uint32    `bin:"2,both"`
//		Date   [7]byte   `bin:"18"`
//		Vol    uint16    `bin:"28,both"`
//		Magic  uint16    `bin:"0,var"`
//		Inner  subRecord `bin:"40"`
//	}
//
// Encodings are le, be, native, var (the Codec's Order) and both,
// which stores the value twice, little-endian then big-endian,
// as ISO 9660 does. Untagged fields are ignored. Blank fields
// only reserve space, which is a way to pad a record to its full size.
package binstruct

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var (
	ErrShort        = fmt.Errorf("%w: binstruct: buffer shorter than record", arcerr.ErrTruncated)
	ErrDualMismatch = fmt.Errorf("%w: binstruct: little- and big-endian copies disagree", arcerr.ErrFormat)
	ErrLayout       = errors.New("binstruct: bad struct layout")
)

// Policy decides what a dual-endian field decodes to when its copies differ.
type Policy uint8

const (
	RequireMatch Policy = iota
	PreferLittle
	PreferBig
)

func (p Policy) String() string {
	switch p {
	case RequireMatch:
		return "require_match"
	case PreferLittle:
		return "prefer_little"
	case PreferBig:
		return "prefer_big"
	}
	return "Policy(" + strconv.Itoa(int(p)) + ")"
}

// ParsePolicy accepts the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "-", "_") {
	case "", "require_match":
		return RequireMatch, nil
	case "prefer_little":
		return PreferLittle, nil
	case "prefer_big":
		return PreferBig, nil
	}
	return 0, fmt.Errorf("unknown dual-endian policy %q", s)
}

// Codec carries the run-time choices for a decode or encode.
// The zero Codec requires dual-endian fields to agree and has no var order.
type Codec struct {
	Order  binary.ByteOrder
	Policy Policy

	// Mismatch, if set, is told about every dual-endian disagreement
	// that the Policy resolved rather than rejected.
	Mismatch func(field string, le, be uint64)
}

type encoding uint8

const (
	encNone encoding = iota
	encLE
	encBE
	encNative
	encVar
	encBoth
)

type field struct {
	name  string
	index int // -1 for blank padding
	off   int
	typ   reflect.Type
	enc   encoding
	width int     // bytes in one integer copy, or the byte-array length
	count int     // elements, for arrays of integers or structs
	sub   *layout // struct element type
	bytes bool
}

func (f *field) span() int {
	switch {
	case f.sub != nil:
		return f.sub.size * max(f.count, 1)
	case f.bytes:
		return f.width
	case f.enc == encBoth:
		return 2 * f.width * max(f.count, 1)
	}
	return f.width * max(f.count, 1)
}

type layout struct {
	size   int
	fields []field
}

var layouts sync.Map // reflect.Type -> *layout or error

func layoutOf(t reflect.Type) (*layout, error) {
	if v, ok := layouts.Load(t); ok {
		if err, ok := v.(error); ok {
			return nil, err
		}
		return v.(*layout), nil
	}
	l, err := compile(t)
	if err != nil {
		layouts.Store(t, err)
		return nil, err
	}
	layouts.Store(t, l)
	return l, nil
}

func compile(t reflect.Type) (*layout, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrLayout, t)
	}
	l := new(layout)
	for i := range t.NumField() {
		sf := t.Field(i)
		tag, ok := sf.Tag.Lookup("bin")
		if !ok || tag == "-" {
			continue
		}
		offStr, encStr, _ := strings.Cut(tag, ",")
		off, err := strconv.Atoi(offStr)
		if err != nil || off < 0 {
			return nil, fmt.Errorf("%w: %s.%s: bad offset %q", ErrLayout, t, sf.Name, offStr)
		}
		f := field{name: sf.Name, index: i, off: off, typ: sf.Type}
		if sf.Name == "_" || !sf.IsExported() {
			f.index = -1
		}
		switch encStr {
		case "":
		case "le":
			f.enc = encLE
		case "be":
			f.enc = encBE
		case "native":
			f.enc = encNative
		case "var":
			f.enc = encVar
		case "both":
			f.enc = encBoth
		default:
			return nil, fmt.Errorf("%w: %s.%s: unknown encoding %q", ErrLayout, t, sf.Name, encStr)
		}

		ft := sf.Type
		if ft.Kind() == reflect.Array {
			elem := ft.Elem()
			switch {
			case elem.Kind() == reflect.Uint8 && f.enc == encNone:
				f.bytes, f.width = true, ft.Len()
			case elem.Kind() == reflect.Struct:
				f.count = ft.Len()
				ft = elem
			case intWidth(elem.Kind()) > 0:
				f.count = ft.Len()
				ft = elem
			default:
				return nil, fmt.Errorf("%w: %s.%s: unsupported array %s", ErrLayout, t, sf.Name, sf.Type)
			}
		}
		if !f.bytes {
			if ft.Kind() == reflect.Struct {
				sub, err := layoutOf(ft)
				if err != nil {
					return nil, err
				}
				f.sub = sub
			} else if w := intWidth(ft.Kind()); w > 0 {
				f.width = w
				if w > 1 && f.enc == encNone {
					return nil, fmt.Errorf("%w: %s.%s: multi-byte integer needs an encoding", ErrLayout, t, sf.Name)
				}
			} else {
				return nil, fmt.Errorf("%w: %s.%s: unsupported type %s", ErrLayout, t, sf.Name, sf.Type)
			}
		}
		l.fields = append(l.fields, f)
		l.size = max(l.size, f.off+f.span())
	}
	return l, nil
}

func intWidth(k reflect.Kind) int {
	switch k {
	case reflect.Uint8, reflect.Int8:
		return 1
	case reflect.Uint16, reflect.Int16:
		return 2
	case reflect.Uint32, reflect.Int32:
		return 4
	case reflect.Uint64, reflect.Int64:
		return 8
	}
	return 0
}

// Size reports how many bytes the record v (a struct or pointer to one) occupies.
func Size(v any) (int, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return 0, ErrLayout
	}
	l, err := layoutOf(t)
	if err != nil {
		return 0, err
	}
	return l.size, nil
}

// MustSize is Size for types known to be well formed.
func MustSize(v any) int {
	n, err := Size(v)
	if err != nil {
		panic(err)
	}
	return n
}

// Unmarshal decodes b into the struct pointed to by v with the zero Codec.
func Unmarshal(b []byte, v any) error { return Codec{}.Unmarshal(b, v) }

// Marshal encodes the struct v into a freshly zeroed buffer.
func Marshal(v any) ([]byte, error) { return Codec{}.Marshal(v) }

// MarshalTo encodes v into b with the zero Codec.
func MarshalTo(b []byte, v any) error { return Codec{}.MarshalTo(b, v) }

func (c Codec) Unmarshal(b []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: Unmarshal needs a non-nil pointer, got %T", ErrLayout, v)
	}
	rv = rv.Elem()
	l, err := layoutOf(rv.Type())
	if err != nil {
		return err
	}
	if len(b) < l.size {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShort, rv.Type(), l.size, len(b))
	}
	return c.decode(b, rv, l)
}

func (c Codec) Marshal(v any) ([]byte, error) {
	n, err := Size(v)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	return b, c.MarshalTo(b, v)
}

// MarshalTo encodes v into the front of b.
// Bytes that no field covers are left alone.
func (c Codec) MarshalTo(b []byte, v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	l, err := layoutOf(rv.Type())
	if err != nil {
		return err
	}
	if len(b) < l.size {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShort, rv.Type(), l.size, len(b))
	}
	return c.encode(b, rv, l)
}

func (c Codec) order(e encoding) (binary.ByteOrder, error) {
	switch e {
	case encLE, encNone:
		return binary.LittleEndian, nil
	case encBE:
		return binary.BigEndian, nil
	case encNative:
		return binary.NativeEndian, nil
	case encVar:
		if c.Order == nil {
			return nil, fmt.Errorf("%w: var field but Codec.Order is unset", ErrLayout)
		}
		return c.Order, nil
	}
	return nil, ErrLayout
}

func (c Codec) decode(b []byte, rv reflect.Value, l *layout) error {
	for i := range l.fields {
		f := &l.fields[i]
		if f.index < 0 {
			continue
		}
		fv := rv.Field(f.index)
		fb := b[f.off:]
		switch {
		case f.bytes:
			reflect.Copy(fv, reflect.ValueOf(fb[:f.width]))
		case f.sub != nil && f.count > 0:
			for j := range f.count {
				if err := c.decode(fb[j*f.sub.size:], fv.Index(j), f.sub); err != nil {
					return err
				}
			}
		case f.sub != nil:
			if err := c.decode(fb, fv, f.sub); err != nil {
				return err
			}
		case f.count > 0:
			step := f.width
			if f.enc == encBoth {
				step *= 2
			}
			for j := range f.count {
				x, err := c.getInt(fb[j*step:], f)
				if err != nil {
					return err
				}
				setInt(fv.Index(j), x)
			}
		default:
			x, err := c.getInt(fb, f)
			if err != nil {
				return err
			}
			setInt(fv, x)
		}
	}
	return nil
}

func (c Codec) encode(b []byte, rv reflect.Value, l *layout) error {
	for i := range l.fields {
		f := &l.fields[i]
		if f.index < 0 {
			continue
		}
		fv := rv.Field(f.index)
		fb := b[f.off:]
		switch {
		case f.bytes:
			reflect.Copy(reflect.ValueOf(fb[:f.width]), fv)
		case f.sub != nil && f.count > 0:
			for j := range f.count {
				if err := c.encode(fb[j*f.sub.size:], fv.Index(j), f.sub); err != nil {
					return err
				}
			}
		case f.sub != nil:
			if err := c.encode(fb, fv, f.sub); err != nil {
				return err
			}
		case f.count > 0:
			step := f.width
			if f.enc == encBoth {
				step *= 2
			}
			for j := range f.count {
				if err := c.putInt(fb[j*step:], f, getInt(fv.Index(j))); err != nil {
					return err
				}
			}
		default:
			if err := c.putInt(fb, f, getInt(fv)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c Codec) getInt(b []byte, f *field) (uint64, error) {
	if f.enc == encBoth {
		le := readUint(b, f.width, binary.LittleEndian)
		be := readUint(b[f.width:], f.width, binary.BigEndian)
		if le == be {
			return le, nil
		}
		switch c.Policy {
		case PreferLittle:
			if c.Mismatch != nil {
				c.Mismatch(f.name, le, be)
			}
			return le, nil
		case PreferBig:
			if c.Mismatch != nil {
				c.Mismatch(f.name, le, be)
			}
			return be, nil
		}
		return 0, fmt.Errorf("%w: field %s: le=%d be=%d", ErrDualMismatch, f.name, le, be)
	}
	o, err := c.order(f.enc)
	if err != nil {
		return 0, err
	}
	return readUint(b, f.width, o), nil
}

func (c Codec) putInt(b []byte, f *field, x uint64) error {
	if f.enc == encBoth {
		writeUint(b, f.width, binary.LittleEndian, x)
		writeUint(b[f.width:], f.width, binary.BigEndian, x)
		return nil
	}
	o, err := c.order(f.enc)
	if err != nil {
		return err
	}
	writeUint(b, f.width, o, x)
	return nil
}

func readUint(b []byte, width int, o binary.ByteOrder) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(o.Uint16(b))
	case 4:
		return uint64(o.Uint32(b))
	}
	return o.Uint64(b)
}

func writeUint(b []byte, width int, o binary.ByteOrder, x uint64) {
	switch width {
	case 1:
		b[0] = byte(x)
	case 2:
		o.PutUint16(b, uint16(x))
	case 4:
		o.PutUint32(b, uint32(x))
	default:
		o.PutUint64(b, x)
	}
}

func setInt(v reflect.Value, x uint64) {
	switch v.Kind() {
	case reflect.Int8:
		v.SetInt(int64(int8(x)))
	case reflect.Int16:
		v.SetInt(int64(int16(x)))
	case reflect.Int32:
		v.SetInt(int64(int32(x)))
	case reflect.Int64:
		v.SetInt(int64(x))
	default:
		v.SetUint(x)
	}
}

func getInt(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(v.Int())
	}
	return v.Uint()
}
