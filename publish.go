package tapproxy

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Metadata keys set on published messages.
const (
	MetadataDirection   = "direction"
	MetadataID          = "message_id"
	MetadataName        = "message_name"
	MetadataVersion     = "message_version"
	MetadataContentType = "content_type"
)

// PublishTap returns a tap that publishes every message it sees to topic.
// Decodable messages are published as JSON, everything else as raw payload.
// The publisher must not block indefinitely; a failed publish is a tap error
// and the message is still forwarded.
func PublishTap(pub message.Publisher, topic string, codec *Codec) Tap {
	return &publishTap{pub: pub, topic: topic, codec: codec}
}

type publishTap struct {
	pub   message.Publisher
	topic string
	codec *Codec
}

var _ DecodedTap = (*publishTap)(nil)

func (p *publishTap) Tap(m Message) (Message, bool, error) {
	d, ok := p.codec.Decode(m)
	return p.TapDecoded(m, d, ok)
}

func (p *publishTap) TapDecoded(m Message, d Decoded, registered bool) (Message, bool, error) {
	payload := m.payload
	contentType := "application/octet-stream"
	name := p.codec.Registry().Name(m.id)

	if registered && !d.Undecoded() {
		if data, err := sonic.Marshal(d.Fields); err == nil {
			payload = data
			contentType = "application/json"
		}
	}

	msg := message.NewMessage(watermill.NewUUID(), clone(payload))
	msg.Metadata.Set(MetadataDirection, m.direction.String())
	msg.Metadata.Set(MetadataID, strconv.Itoa(int(m.id)))
	msg.Metadata.Set(MetadataName, name)
	msg.Metadata.Set(MetadataVersion, strconv.Itoa(int(m.version)))
	msg.Metadata.Set(MetadataContentType, contentType)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		return m, true, errors.Wrapf(err, "publish %s to %s", name, p.topic)
	}
	return m, true, nil
}
