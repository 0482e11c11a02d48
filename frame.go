package tapproxy

import (
	"io"

	"github.com/pkg/errors"
)

// ReadFrame reads one header and its payload from r.
//
// It returns io.EOF when r is exhausted exactly at a frame boundary, a
// *FramingError when the stream ends inside a frame, and ErrMessageTooLarge
// when the header declares more than maxLen bytes. Other read errors are
// returned unchanged.
func ReadFrame(r io.Reader, maxLen int) (Header, []byte, error) {
	var buf [HeaderSize]byte
	n, err := io.ReadFull(r, buf[:])
	switch {
	case err == io.EOF:
		return Header{}, nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Header{}, nil, &FramingError{Declared: HeaderSize, Available: n}
	case err != nil:
		return Header{}, nil, err
	}

	h := DecodeHeader(buf[:])
	if int64(h.Length) > int64(maxLen) {
		return h, nil, errors.Wrapf(ErrMessageTooLarge, "message %d declares %d bytes, limit %d", h.ID, h.Length, maxLen)
	}

	payload := make([]byte, h.Length)
	n, err = io.ReadFull(r, payload)
	if err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return h, nil, &FramingError{Declared: int(h.Length), Available: n}
		}
		return h, nil, err
	}
	return h, payload, nil
}

// WriteFrame writes a header followed by payload. The header length is
// taken from the payload.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	if len(payload) > MaxPayloadLength {
		return errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes", len(payload))
	}
	h.Length = uint32(len(payload))
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// EncodeHeader encodes h into its 7-byte wire form.
func EncodeHeader(h Header) []byte {
	return []byte{
		byte(h.ID >> 8), byte(h.ID),
		byte(h.Length >> 16), byte(h.Length >> 8), byte(h.Length),
		byte(h.Version >> 8), byte(h.Version),
	}
}

// DecodeHeader decodes a 7-byte wire header. b must hold HeaderSize bytes.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		ID:      uint16(b[0])<<8 | uint16(b[1]),
		Length:  uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4]),
		Version: uint16(b[5])<<8 | uint16(b[6]),
	}
}
