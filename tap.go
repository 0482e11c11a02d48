package tapproxy

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Tap inspects, transforms or drops a message in transit.
//
// Returning false drops the message: it is counted but not forwarded.
// A non-nil error is recorded against the message and the returned message
// and flag are ignored: the message continues as it was before the tap.
// Taps run inline on the pump goroutine and must not block indefinitely.
type Tap interface {
	Tap(m Message) (Message, bool, error)
}

// DecodedTap is a Tap that can take the decoded form of its input. A Chain
// passes on the result the session already holds until a tap rewrites the
// message; from then on the plain Tap method is used.
type DecodedTap interface {
	Tap
	TapDecoded(m Message, d Decoded, registered bool) (Message, bool, error)
}

// TapFunc adapts an ordinary function to a Tap.
type TapFunc func(m Message) (Message, bool, error)

// Tap calls f(m).
func (f TapFunc) Tap(m Message) (Message, bool, error) { return f(m) }

// Chain runs taps in order. The first tap that drops the message stops the
// chain. A tap that fails or panics is skipped: its output is ignored, the
// error is collected and the next tap sees the un-transformed message.
type Chain []Tap

var _ DecodedTap = Chain(nil)

// Tap runs the chain.
func (c Chain) Tap(m Message) (Message, bool, error) {
	return c.run(m, nil)
}

// TapDecoded runs the chain with d as the decoded form of m.
func (c Chain) TapDecoded(m Message, d Decoded, registered bool) (Message, bool, error) {
	return c.run(m, &decodedInput{d: d, registered: registered})
}

type decodedInput struct {
	d          Decoded
	registered bool
}

func (c Chain) run(m Message, in *decodedInput) (Message, bool, error) {
	var errs []error
	cur := m
	for _, tap := range c {
		if tap == nil {
			continue
		}
		out, keep, err := runTap(tap, cur, in)
		if err == nil && out.direction != cur.direction {
			err = errors.Errorf("tap changed direction from %s to %s", cur.direction, out.direction)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !keep {
			return cur, false, joinErrors(errs)
		}
		if in != nil && !sameMessage(out, cur) {
			in = nil
		}
		cur = out
	}
	return cur, true, joinErrors(errs)
}

func runTap(tap Tap, m Message, in *decodedInput) (out Message, keep bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, keep, err = m, true, errors.Errorf("tap panic: %v", p)
		}
	}()
	if dt, ok := tap.(DecodedTap); ok && in != nil {
		return dt.TapDecoded(m, in.d, in.registered)
	}
	return tap.Tap(m)
}

func sameMessage(a, b Message) bool {
	return a.id == b.id && a.version == b.version && bytes.Equal(a.payload, b.payload)
}

// multiError holds every error collected by one run of a Chain.
type multiError []error

func (e multiError) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d tap errors, first: %v", len(e), e[0])
}

func (e multiError) Unwrap() []error { return e }

func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return multiError(errs)
	}
}

// splitErrors flattens an error produced by a Chain.
func splitErrors(err error) []error {
	if err == nil {
		return nil
	}
	if me, ok := err.(multiError); ok {
		return me
	}
	return []error{err}
}

// DropTap drops every message whose id is in ids.
func DropTap(ids ...uint16) Tap {
	drop := make(map[uint16]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return TapFunc(func(m Message) (Message, bool, error) {
		_, ok := drop[m.id]
		return m, !ok, nil
	})
}

// DirectionTap applies tap only to messages read from dir.
func DirectionTap(dir Direction, tap Tap) Tap {
	return TapFunc(func(m Message) (Message, bool, error) {
		if m.direction != dir {
			return m, true, nil
		}
		return tap.Tap(m)
	})
}

// Suppressor reports whether a decoded message is noise that should not be
// written to a sink.
type Suppressor func(d Decoded) bool

// SuppressIfEmpty suppresses messages whose list field is absent or empty.
func SuppressIfEmpty(field string) Suppressor {
	return func(d Decoded) bool {
		v, ok := d.Fields.Path(field)
		if !ok || v == nil {
			return true
		}
		list, isList := v.([]any)
		return isList && len(list) == 0
	}
}

// DefaultSuppressions returns the noise rules applied by a new MessageLogger,
// keyed by message name.
func DefaultSuppressions() map[string]Suppressor {
	return map[string]Suppressor{
		// Turns without commands are sent every few seconds while idle.
		"EndClientTurn": SuppressIfEmpty("commands"),
	}
}

// MessageLogger writes selected decoded messages, or single fields of
// them, to a shared sink.
type MessageLogger struct {
	mu       sync.Mutex
	w        io.Writer
	codec    *Codec
	suppress map[string]Suppressor
}

// NewMessageLogger creates a logger writing to w.
func NewMessageLogger(w io.Writer, codec *Codec) *MessageLogger {
	return &MessageLogger{w: w, codec: codec, suppress: DefaultSuppressions()}
}

// Suppress replaces the noise rule for a message name. A nil rule removes it.
// It must be called before the logger's taps are in use.
func (l *MessageLogger) Suppress(name string, s Suppressor) {
	if s == nil {
		delete(l.suppress, name)
		return
	}
	l.suppress[name] = s
}

// FilterForName is FilterFor with the message id looked up by name.
func (l *MessageLogger) FilterForName(name, fieldPath string) (Tap, error) {
	id, ok := l.codec.Registry().LookupName(name)
	if !ok {
		return nil, errors.Errorf("unknown message %q", name)
	}
	return l.FilterFor(id, fieldPath), nil
}

// FilterFor returns a tap that writes messages with the given id to the
// sink, either whole or only the value at fieldPath. Messages are always
// forwarded; suppression only keeps noise out of the sink.
func (l *MessageLogger) FilterFor(id uint16, fieldPath string) Tap {
	return &fieldFilter{l: l, id: id, path: fieldPath}
}

type fieldFilter struct {
	l    *MessageLogger
	id   uint16
	path string
}

var _ DecodedTap = (*fieldFilter)(nil)

func (f *fieldFilter) Tap(m Message) (Message, bool, error) {
	if m.id != f.id {
		return m, true, nil
	}
	d, ok := f.l.codec.Decode(m)
	return f.TapDecoded(m, d, ok)
}

func (f *fieldFilter) TapDecoded(m Message, d Decoded, registered bool) (Message, bool, error) {
	if m.id != f.id || !registered || d.Undecoded() {
		return m, true, nil
	}
	if s := f.l.suppress[d.Name]; s != nil && s(d) {
		return m, true, nil
	}

	value, ok := d.Fields.Path(f.path)
	if !ok || value == nil {
		return m, true, nil
	}
	if err := f.l.write(d.Name, f.path, value); err != nil {
		return m, true, errors.Wrap(err, "message logger")
	}
	return m, true, nil
}

func (l *MessageLogger) write(name, field string, value any) error {
	data, err := sonic.ConfigStd.Marshal(value)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(name)+len(field)+len(data)+3)
	line = append(line, name...)
	line = append(line, ':')
	line = append(line, field...)
	line = append(line, ' ')
	line = append(line, data...)
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(line)
	return err
}
