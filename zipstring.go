package tapproxy

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// A zipstring block is a little-endian inflated length followed by zlib data.
func inflate(block []byte, limit int) (ZipString, error) {
	if len(block) < 4 {
		return ZipString{}, errors.Wrapf(ErrBadLength, "zipstring block of %d bytes", len(block))
	}
	size := int64(binary.LittleEndian.Uint32(block[:4]))
	if size > int64(limit) {
		return ZipString{}, errors.Wrapf(ErrBadLength, "zipstring inflates to %d bytes", size)
	}

	zr, err := zlib.NewReader(bytes.NewReader(block[4:]))
	if err != nil {
		return ZipString{}, errors.Wrap(ErrInvalidValue, err.Error())
	}
	defer zr.Close()

	text, err := io.ReadAll(io.LimitReader(zr, size+1))
	if err != nil {
		return ZipString{}, errors.Wrap(ErrInvalidValue, err.Error())
	}
	if int64(len(text)) != size {
		return ZipString{}, errors.Wrapf(ErrBadLength, "zipstring declared %d bytes, inflated %d", size, len(text))
	}
	return ZipString{Text: string(text), orig: string(text), raw: clone(block)}, nil
}

func deflate(z ZipString) ([]byte, error) {
	if z.raw != nil && z.Text == z.orig {
		return z.raw, nil
	}

	var buf bytes.Buffer
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(z.Text)))
	buf.Write(size[:])

	zw := zlib.NewWriter(&buf)
	if _, err := io.WriteString(zw, z.Text); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
