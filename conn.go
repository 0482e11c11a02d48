// Package tapproxy decodes and relays the two byte streams of a captured
// game session. Each direction is framed into messages, decoded against a
// schema registry and threaded through a chain of taps before it is
// forwarded to the opposite side.
package tapproxy

import (
	"bufio"
	"crypto/cipher"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrInvalidSource is returned when no byte source is provided.
var ErrInvalidSource = errors.New("invalid source")

// Default configuration values.
const (
	// defaultBufferSize is the default size of the read buffer.
	defaultBufferSize = 64 * 1024
	// defaultMaxPackageLength is the largest payload the header can declare.
	defaultMaxPackageLength = MaxPayloadLength
)

// Conn is one direction of a session: a byte source that yields messages
// and a sink the opposite direction forwards into.
type Conn struct {
	dir    Direction
	src    io.Reader
	reader *bufio.Reader
	sink   io.Writer
	logger Logger

	opts connOptions

	readStream  cipher.Stream
	writeStream cipher.Stream

	wmu    sync.Mutex
	closed atomic.Bool
}

// NewConn creates a connection reading dir messages from src.
// Forwarded messages are framed into sink; a nil sink discards them.
// The connection owns src and sink and closes them if they are io.Closers.
func NewConn(dir Direction, src io.Reader, sink io.Writer, opt ...ConnOption) (*Conn, error) {
	var opts connOptions
	for _, o := range opt {
		o(&opts)
	}

	if src == nil {
		return nil, ErrInvalidSource
	}
	checkOptions(dir, &opts)

	c := &Conn{
		dir:    dir,
		src:    src,
		reader: bufio.NewReaderSize(src, opts.bufferSize),
		sink:   sink,
		logger: opts.logger,
		opts:   opts,
	}
	if opts.cipher != nil {
		c.readStream = opts.cipher(dir)
		c.writeStream = opts.cipher(dir.Opposite())
	}
	return c, nil
}

// OpenFileConn opens a capture file as the source of a connection.
// A missing or unreadable file is reported before any message is read.
func OpenFileConn(dir Direction, path string, sink io.Writer, opt ...ConnOption) (*Conn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s capture", dir)
	}
	c, err := NewConn(dir, f, sink, opt...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// checkOptions sets default values for connection options.
func checkOptions(dir Direction, opts *connOptions) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 || opts.maxReadLength > defaultMaxPackageLength {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.name == "" {
		opts.name = dir.String()
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// Direction returns the direction of messages read from the connection.
func (c *Conn) Direction() Direction { return c.dir }

// Name returns the connection name used in log records.
func (c *Conn) Name() string { return c.opts.name }

// ReadMessage reads the next message.
//
// It returns io.EOF at a clean end of stream, a *FramingError when the
// stream ends inside a frame, and an *IOError when the source fails.
func (c *Conn) ReadMessage() (Message, error) {
	if c.closed.Load() {
		return Message{}, &IOError{Op: "read", Direction: c.dir, Err: ErrConnectionClosed}
	}

	h, payload, err := ReadFrame(c.reader, c.opts.maxReadLength)
	if err != nil {
		var fe *FramingError
		switch {
		case err == io.EOF:
			return Message{}, io.EOF
		case errors.As(err, &fe):
			fe.Direction = c.dir
			return Message{}, fe
		case errors.Is(err, ErrMessageTooLarge):
			return Message{}, err
		case c.closed.Load():
			return Message{}, &IOError{Op: "read", Direction: c.dir, Err: ErrConnectionClosed}
		default:
			c.logger.Debug("read error", "conn", c.opts.name, "error", err)
			return Message{}, &IOError{Op: "read", Direction: c.dir, Err: err}
		}
	}

	if c.readStream != nil {
		c.readStream.XORKeyStream(payload, payload)
	}
	return Message{direction: c.dir, id: h.ID, version: h.Version, payload: payload}, nil
}

// WriteMessage frames m into the sink. Writes are serialized.
func (c *Conn) WriteMessage(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed.Load() {
		return &IOError{Op: "write", Direction: c.dir, Err: ErrConnectionClosed}
	}
	if c.sink == nil {
		return nil
	}

	payload := m.payload
	if c.writeStream != nil {
		payload = make([]byte, len(m.payload))
		c.writeStream.XORKeyStream(payload, m.payload)
	}

	if err := WriteFrame(c.sink, m.Header(), payload); err != nil {
		c.logger.Debug("write error", "conn", c.opts.name, "error", err)
		return &IOError{Op: "write", Direction: c.dir, Err: err}
	}
	return nil
}

// Close releases the source and the sink.
// Safe to call multiple times; only the first call closes anything.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	var err error
	if closer, ok := c.src.(io.Closer); ok {
		err = closer.Close()
	}
	if closer, ok := c.sink.(io.Closer); ok && !sameResource(c.src, c.sink) {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// sameResource reports whether the sink is the source, as with a socket.
func sameResource(src io.Reader, sink io.Writer) bool {
	rw, ok := sink.(io.Reader)
	return ok && rw == src
}
