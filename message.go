package tapproxy

import "fmt"

// Direction identifies which side of the session produced a message.
type Direction int

const (
	// Client marks bytes sent from the game client to the server.
	Client Direction = iota
	// Server marks bytes sent from the server to the game client.
	Server
)

func (d Direction) String() string {
	switch d {
	case Client:
		return "Client"
	case Server:
		return "Server"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Opposite returns the direction a message is forwarded towards.
func (d Direction) Opposite() Direction {
	if d == Client {
		return Server
	}
	return Client
}

// Header is the fixed frame header preceding every payload.
//
// Wire layout, big endian: id(2) | length(3) | version(2).
type Header struct {
	ID      uint16
	Length  uint32
	Version uint16
}

// HeaderSize is the encoded size of a Header.
const HeaderSize = 7

// MaxPayloadLength is the largest length a 24-bit header field can declare.
const MaxPayloadLength = 1<<24 - 1

// Message is one discrete protocol unit.
// A Message is immutable; the payload is copied on construction and on Body.
type Message struct {
	direction Direction
	id        uint16
	version   uint16
	payload   []byte
}

// NewMessage creates a message, copying payload.
func NewMessage(dir Direction, id, version uint16, payload []byte) Message {
	return Message{
		direction: dir,
		id:        id,
		version:   version,
		payload:   clone(payload),
	}
}

// Direction returns the side the message was read from.
func (m Message) Direction() Direction { return m.direction }

// ID returns the numeric message id.
func (m Message) ID() uint16 { return m.id }

// Version returns the header version field.
func (m Message) Version() uint16 { return m.version }

// Length returns the length of the message body.
func (m Message) Length() int { return len(m.payload) }

// Body returns a copy of the raw message payload.
func (m Message) Body() []byte { return clone(m.payload) }

// Header returns the frame header describing the message.
func (m Message) Header() Header {
	return Header{ID: m.id, Length: uint32(len(m.payload)), Version: m.version}
}

// WithPayload returns a new message with the same direction, id and version.
func (m Message) WithPayload(payload []byte) Message {
	return NewMessage(m.direction, m.id, m.version, payload)
}

func (m Message) String() string {
	return fmt.Sprintf("%s %d v%d (%d bytes)", m.direction, m.id, m.version, len(m.payload))
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
