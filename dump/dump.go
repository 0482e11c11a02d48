// Package dump renders the messages of one direction as text.
package dump

import (
	"bytes"
	"encoding/hex"
	"io"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/Zereker/tapproxy"
)

// Modes selects the renderings written for each message.
type Modes struct {
	Hex  bool // header line and hex dump of the payload
	JSON bool // "Name": indented JSON of the decoded fields
}

type flusher interface {
	Flush() error
}

// Dumper is a tap that writes every message of its direction to w.
type Dumper struct {
	dir   tapproxy.Direction
	codec *tapproxy.Codec
	modes Modes

	mu sync.Mutex
	w  io.Writer
}

var _ tapproxy.DecodedTap = (*Dumper)(nil)

// New creates a dumper for messages read from dir.
func New(dir tapproxy.Direction, w io.Writer, codec *tapproxy.Codec, modes Modes) *Dumper {
	return &Dumper{dir: dir, w: w, codec: codec, modes: modes}
}

// Tap renders m when it belongs to the dumper's direction and always
// forwards it unchanged.
func (d *Dumper) Tap(m tapproxy.Message) (tapproxy.Message, bool, error) {
	var (
		decoded    tapproxy.Decoded
		registered bool
	)
	if d.modes.JSON && m.Direction() == d.dir {
		decoded, registered = d.codec.Decode(m)
	}
	return d.TapDecoded(m, decoded, registered)
}

// TapDecoded is Tap with m already decoded.
func (d *Dumper) TapDecoded(m tapproxy.Message, decoded tapproxy.Decoded, registered bool) (tapproxy.Message, bool, error) {
	if m.Direction() != d.dir {
		return m, true, nil
	}

	var buf bytes.Buffer
	if d.modes.Hex {
		buf.WriteString(m.String())
		buf.WriteByte('\n')
		buf.WriteString(hex.Dump(m.Body()))
	}
	if d.modes.JSON && registered {
		if err := renderJSON(&buf, decoded); err != nil {
			return m, true, err
		}
	}
	if buf.Len() == 0 {
		return m, true, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.w.Write(buf.Bytes()); err != nil {
		return m, true, errors.Wrap(err, "dump")
	}
	if f, ok := d.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return m, true, errors.Wrap(err, "dump")
		}
	}
	return m, true, nil
}

func renderJSON(buf *bytes.Buffer, decoded tapproxy.Decoded) error {
	if decoded.Undecoded() {
		buf.WriteString(`"` + decoded.Name + `" (undecoded): ` + decoded.Err.Error() + "\n")
		return nil
	}

	data, err := sonic.ConfigStd.MarshalIndent(decoded.Fields, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "render %s", decoded.Name)
	}
	buf.WriteString(`"` + decoded.Name + `": `)
	buf.Write(data)
	buf.WriteByte('\n')
	return nil
}
