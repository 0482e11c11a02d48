package tapproxy

import (
	"bytes"
	"io"
	"testing"
)

func TestNewMessage_CopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	m := NewMessage(Client, 10101, 1, payload)

	payload[0] = 9
	if m.Body()[0] != 1 {
		t.Error("message shares the caller's payload")
	}

	body := m.Body()
	body[1] = 9
	if m.Body()[1] != 2 {
		t.Error("Body() exposes the internal payload")
	}
}

func TestMessage_WithPayload(t *testing.T) {
	m := NewMessage(Server, 24101, 3, []byte{1})
	n := m.WithPayload([]byte{1, 2})

	if n.Direction() != Server || n.ID() != 24101 || n.Version() != 3 || n.Length() != 2 {
		t.Errorf("WithPayload() = %v", n)
	}
	if m.Length() != 1 {
		t.Error("WithPayload modified the original message")
	}
	if got := n.String(); got != "Server 24101 v3 (2 bytes)" {
		t.Errorf("String() = %q", got)
	}
}

func TestDirection(t *testing.T) {
	if Client.Opposite() != Server || Server.Opposite() != Client {
		t.Error("Opposite() is not symmetric")
	}
	if Client.String() != "Client" || Server.String() != "Server" {
		t.Errorf("String() = %s, %s", Client, Server)
	}
}

func TestHeader_Encode(t *testing.T) {
	h := Header{ID: 0x2775, Length: 0x0a0b0c, Version: 0x0102}
	b := EncodeHeader(h)

	if want := []byte{0x27, 0x75, 0x0a, 0x0b, 0x0c, 0x01, 0x02}; !bytes.Equal(b, want) {
		t.Errorf("EncodeHeader() = %x, want %x", b, want)
	}
	if got := DecodeHeader(b); got != h {
		t.Errorf("DecodeHeader() = %+v, want %+v", got, h)
	}
}

func TestReadFrame_EOF(t *testing.T) {
	if _, _, err := ReadFrame(bytes.NewReader(nil), MaxPayloadLength); err != io.EOF {
		t.Errorf("ReadFrame(empty) = %v, want EOF", err)
	}
}

func TestWriteFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{ID: 1}, make([]byte, MaxPayloadLength+1)); err == nil {
		t.Error("WriteFrame accepted an oversized payload")
	}
	if buf.Len() != 0 {
		t.Error("WriteFrame wrote a partial frame")
	}
}
