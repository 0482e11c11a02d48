package tapproxy

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Field is one named value of a decoded structure.
type Field struct {
	Name  string
	Value any
}

// Struct is a decoded structure with fields in declared order.
//
// Values are one of: nil, uint8, bool, int16, int32, int64, uint16, uint32,
// string, []byte, ZipString, Struct or []any of those.
type Struct []Field

// Get returns the value of the named field.
func (s Struct) Get(name string) (any, bool) {
	for _, f := range s {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Path resolves a dotted path such as "commands.0.id". Numeric segments
// index into lists.
func (s Struct) Path(path string) (any, bool) {
	if path == "" {
		return s, true
	}
	var cur any = s
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case Struct:
			next, ok := v.Get(seg)
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Map converts the structure to a plain map, recursively. Field order is lost.
func (s Struct) Map() map[string]any {
	out := make(map[string]any, len(s))
	for _, f := range s {
		out[f.Name] = plain(f.Value)
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case Struct:
		return t.Map()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	case ZipString:
		return t.Text
	default:
		return v
	}
}

// MarshalJSON renders the structure as a JSON object, keeping field order.
func (s Struct) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := sonic.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := sonic.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ZipString is a zlib-compressed string field.
// The captured wire bytes are kept so an unchanged value encodes identically.
type ZipString struct {
	Text string

	orig string
	raw  []byte
}

// NewZipString returns a value that is compressed on encode.
func NewZipString(text string) ZipString {
	return ZipString{Text: text}
}

// MarshalJSON renders the inflated text.
func (z ZipString) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(z.Text)
}
