package tapproxy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidValue is returned when a bool or presence byte is neither 0 nor 1,
// or when an optional value is marked present but is null.
var ErrInvalidValue = errors.New("invalid value")

// maxArrayLength bounds the count of zero-width array elements.
const maxArrayLength = MaxPayloadLength

// defaultMaxInflated bounds the inflated size of a zipstring.
const defaultMaxInflated = 16 * 1024 * 1024

// Decoded is the result of decoding one message payload.
// Fields is nil when the payload did not match its schema; Err says why.
type Decoded struct {
	Name   string
	Fields Struct
	Err    error
}

// Undecoded reports whether the payload could not be decoded.
func (d Decoded) Undecoded() bool { return d.Fields == nil }

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// MaxInflatedSize bounds how large a zipstring may inflate to.
func MaxInflatedSize(n int) CodecOption {
	return func(c *Codec) {
		c.maxInflated = n
	}
}

// Codec decodes and encodes payloads using a Registry.
// A Codec holds no mutable state and may be shared between goroutines.
type Codec struct {
	reg         *Registry
	maxInflated int
}

// NewCodec creates a codec over reg.
func NewCodec(reg *Registry, opts ...CodecOption) *Codec {
	c := &Codec{reg: reg, maxInflated: defaultMaxInflated}
	for _, o := range opts {
		o(c)
	}
	if c.maxInflated <= 0 {
		c.maxInflated = defaultMaxInflated
	}
	return c
}

// Registry returns the registry the codec decodes with.
func (c *Codec) Registry() *Registry { return c.reg }

// Decode decodes the payload of m. It returns false exactly when no schema
// is registered for the message id. Malformed payloads never panic; they
// yield a Decoded with a nil Fields and a *DecodeError.
func (c *Codec) Decode(m Message) (d Decoded, registered bool) {
	s, ok := c.reg.Lookup(m.id)
	if !ok {
		return Decoded{}, false
	}
	d.Name = s.Name

	r := &payloadReader{buf: m.payload, maxInflated: c.maxInflated}
	defer func() {
		if p := recover(); p != nil {
			d.Fields = nil
			d.Err = &DecodeError{ID: m.id, Name: s.Name, Offset: r.off, Err: errors.Errorf("panic: %v", p)}
		}
	}()

	fields, err := r.fields(s.Fields)
	if err != nil {
		d.Err = toDecodeError(m.id, s.Name, r.off, err)
		return d, true
	}
	if r.off != len(r.buf) {
		d.Err = &DecodeError{ID: m.id, Name: s.Name, Offset: r.off,
			Err: errors.Wrapf(ErrTrailingBytes, "%d unread", len(r.buf)-r.off)}
		return d, true
	}
	d.Fields = fields
	return d, true
}

// Encode encodes fields as the payload of message id.
// Missing fields encode as the zero value of their kind.
func (c *Codec) Encode(id uint16, fields Struct) ([]byte, error) {
	s, ok := c.reg.Lookup(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessage, "%d", id)
	}
	w := &payloadWriter{}
	if err := w.fields(s.Fields, fields); err != nil {
		var fe *fieldError
		if errors.As(err, &fe) {
			return nil, &EncodeError{ID: id, Field: fe.path, Err: fe.err}
		}
		return nil, &EncodeError{ID: id, Err: err}
	}
	return w.buf, nil
}

// EncodeMessage encodes fields and wraps them in a Message.
func (c *Codec) EncodeMessage(dir Direction, id, version uint16, fields Struct) (Message, error) {
	payload, err := c.Encode(id, fields)
	if err != nil {
		return Message{}, err
	}
	return Message{direction: dir, id: id, version: version, payload: payload}, nil
}

// fieldError carries the path of the field that failed.
type fieldError struct {
	path string
	err  error
}

func (e *fieldError) Error() string { return e.path + ": " + e.err.Error() }

func (e *fieldError) Unwrap() error { return e.err }

func wrapField(name string, err error) error {
	var fe *fieldError
	if errors.As(err, &fe) {
		if len(fe.path) > 0 && fe.path[0] == '[' {
			return &fieldError{path: name + fe.path, err: fe.err}
		}
		return &fieldError{path: name + "." + fe.path, err: fe.err}
	}
	return &fieldError{path: name, err: err}
}

func toDecodeError(id uint16, name string, off int, err error) *DecodeError {
	de := &DecodeError{ID: id, Name: name, Offset: off, Err: err}
	var fe *fieldError
	if errors.As(err, &fe) {
		de.Field = fe.path
		de.Err = fe.err
	}
	return de
}

type payloadReader struct {
	buf         []byte
	off         int
	maxInflated int
}

func (r *payloadReader) remaining() int { return len(r.buf) - r.off }

func (r *payloadReader) take(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrBadLength
	}
	if r.remaining() < n {
		return nil, errors.Wrapf(ErrShortPayload, "need %d, have %d", n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *payloadReader) int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// length reads an int32 length prefix; -1 means null.
func (r *payloadReader) length() (n int, null bool, err error) {
	v, err := r.int32()
	if err != nil {
		return 0, false, err
	}
	if v == -1 {
		return 0, true, nil
	}
	if v < 0 {
		return 0, false, errors.Wrapf(ErrBadLength, "%d", v)
	}
	if int(v) > r.remaining() {
		return 0, false, errors.Wrapf(ErrShortPayload, "length %d, have %d", v, r.remaining())
	}
	return int(v), false, nil
}

func (r *payloadReader) flag() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Wrapf(ErrInvalidValue, "flag byte %d", b[0])
	}
}

func (r *payloadReader) fields(descs []FieldDescriptor) (Struct, error) {
	out := make(Struct, 0, len(descs))
	for _, f := range descs {
		v, err := r.value(f.Type)
		if err != nil {
			return nil, wrapField(f.Name, err)
		}
		out = append(out, Field{Name: f.Name, Value: v})
	}
	return out, nil
}

func (r *payloadReader) value(t *TypeRef) (any, error) {
	switch t.Kind {
	case KindByte:
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case KindBool:
		return r.flag()
	case KindInt16:
		b, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(b)), nil
	case KindUint16:
		b, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint16(b), nil
	case KindInt32:
		return r.int32()
	case KindUint32:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint32(b), nil
	case KindInt64:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case KindString, KindBytes:
		n, null, err := r.length()
		if err != nil || null {
			return nil, err
		}
		b, _ := r.take(n)
		if t.Kind == KindString {
			return string(b), nil
		}
		return clone(b), nil
	case KindZipString:
		n, null, err := r.length()
		if err != nil || null {
			return nil, err
		}
		b, _ := r.take(n)
		return inflate(b, r.maxInflated)
	case KindArray:
		return r.array(t)
	case KindOptional:
		present, err := r.flag()
		if err != nil || !present {
			return nil, err
		}
		v, err := r.value(t.Elem)
		if err == nil && v == nil {
			// a present value must not also be null, it would re-encode as absent
			return nil, errors.Wrap(ErrInvalidValue, "present value is null")
		}
		return v, err
	case KindStruct:
		return r.fields(t.Struct.Fields)
	default:
		return nil, errors.Errorf("unsupported kind %d", t.Kind)
	}
}

func (r *payloadReader) array(t *TypeRef) (any, error) {
	count, err := r.int32()
	if err != nil {
		return nil, err
	}
	if count < 0 || int(count) > maxArrayLength {
		return nil, errors.Wrapf(ErrBadLength, "array count %d", count)
	}
	if min := t.Elem.min; min > 0 && int(count) > r.remaining()/min {
		return nil, errors.Wrapf(ErrShortPayload, "%d elements of at least %d bytes, have %d", count, min, r.remaining())
	}
	out := make([]any, 0, min(int(count), r.remaining()+1))
	for i := 0; i < int(count); i++ {
		v, err := r.value(t.Elem)
		if err != nil {
			return nil, wrapField(fmt.Sprintf("[%d]", i), err)
		}
		out = append(out, v)
	}
	return out, nil
}

type payloadWriter struct {
	buf []byte
}

func (w *payloadWriter) int32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *payloadWriter) flag(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *payloadWriter) fields(descs []FieldDescriptor, values Struct) error {
	for _, f := range descs {
		v, _ := values.Get(f.Name)
		if err := w.value(f.Type, v); err != nil {
			return wrapField(f.Name, err)
		}
	}
	return nil
}

func (w *payloadWriter) value(t *TypeRef, v any) error {
	switch t.Kind {
	case KindByte:
		n, err := toInt(v, 0, math.MaxUint8)
		if err != nil {
			return err
		}
		w.buf = append(w.buf, byte(n))
	case KindBool:
		b, ok := v.(bool)
		if !ok && v != nil {
			return typeMismatch(t, v)
		}
		w.flag(b)
	case KindInt16:
		n, err := toInt(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
	case KindUint16:
		n, err := toInt(v, 0, math.MaxUint16)
		if err != nil {
			return err
		}
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
	case KindInt32:
		n, err := toInt(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		w.int32(int32(n))
	case KindUint32:
		n, err := toInt(v, 0, math.MaxUint32)
		if err != nil {
			return err
		}
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(n))
	case KindInt64:
		n, err := toInt(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return err
		}
		w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(n))
	case KindString:
		switch s := v.(type) {
		case nil:
			w.int32(-1)
		case string:
			w.int32(int32(len(s)))
			w.buf = append(w.buf, s...)
		default:
			return typeMismatch(t, v)
		}
	case KindBytes:
		switch b := v.(type) {
		case nil:
			w.int32(-1)
		case []byte:
			if b == nil {
				w.int32(-1)
				return nil
			}
			w.int32(int32(len(b)))
			w.buf = append(w.buf, b...)
		default:
			return typeMismatch(t, v)
		}
	case KindZipString:
		var z ZipString
		switch s := v.(type) {
		case nil:
			w.int32(-1)
			return nil
		case ZipString:
			z = s
		case string:
			z = NewZipString(s)
		default:
			return typeMismatch(t, v)
		}
		block, err := deflate(z)
		if err != nil {
			return err
		}
		w.int32(int32(len(block)))
		w.buf = append(w.buf, block...)
	case KindArray:
		var elems []any
		switch a := v.(type) {
		case nil:
		case []any:
			elems = a
		case []Struct:
			elems = make([]any, len(a))
			for i, s := range a {
				elems[i] = s
			}
		default:
			return typeMismatch(t, v)
		}
		w.int32(int32(len(elems)))
		for i, e := range elems {
			if err := w.value(t.Elem, e); err != nil {
				return wrapField(fmt.Sprintf("[%d]", i), err)
			}
		}
	case KindOptional:
		if v == nil {
			w.flag(false)
			return nil
		}
		w.flag(true)
		return w.value(t.Elem, v)
	case KindStruct:
		s, ok := v.(Struct)
		if !ok && v != nil {
			return typeMismatch(t, v)
		}
		return w.fields(t.Struct.Fields, s)
	default:
		return errors.Errorf("unsupported kind %d", t.Kind)
	}
	return nil
}

func typeMismatch(t *TypeRef, v any) error {
	return errors.Errorf("cannot encode %T as %s", v, t)
}

func toInt(v any, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, errors.Errorf("value %d out of range", x)
		}
		n = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, errors.Errorf("value %d out of range", x)
		}
		n = int64(x)
	default:
		return 0, errors.Errorf("cannot encode %T as integer", v)
	}
	if n < lo || n > hi {
		return 0, errors.Errorf("value %d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}
