package tapproxy

import (
	"crypto/cipher"
	"crypto/rc4"

	"github.com/pkg/errors"
)

// RC4 returns a keystream factory for CipherOption. Both directions use an
// RC4 stream keyed with key followed by nonce; the first len(key)+len(nonce)
// keystream bytes are discarded before any payload is processed.
//
// key and nonce together must be 1 to 256 bytes long.
func RC4(key, nonce []byte) (func(Direction) cipher.Stream, error) {
	k := make([]byte, 0, len(key)+len(nonce))
	k = append(k, key...)
	k = append(k, nonce...)
	if _, err := rc4.NewCipher(k); err != nil {
		return nil, errors.Wrap(err, "rc4 key and nonce")
	}

	return func(Direction) cipher.Stream {
		// k was checked above
		c, _ := rc4.NewCipher(k)
		skip := make([]byte, len(k))
		c.XORKeyStream(skip, skip)
		return c
	}, nil
}
