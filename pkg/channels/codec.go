package channels

import (
	"fmt"
	"net/http"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// ---------------------------------------------------------------------------
// Codec registry — closed table of kind → decode/encode function pairs
// ---------------------------------------------------------------------------

// DecodeFunc verifies and parses one provider webhook body.
type DecodeFunc func(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error)

// EncodeFunc translates a generic response into provider message payloads,
// one per element, in element order.
type EncodeFunc func(resp *Response) ([]map[string]interface{}, error)

// Codec is the decode/encode pair for one provider.
type Codec struct {
	Decode DecodeFunc
	Encode EncodeFunc
}

// codecs is the closed dispatch table. Adding a channel kind means adding
// exactly one entry here plus its provider file.
var codecs = map[domain.ChannelType]Codec{
	domain.ChannelWhatsApp:  {Decode: decodeWhatsApp, Encode: encodeWhatsApp},
	domain.ChannelMessenger: {Decode: decodeMessenger, Encode: encodeMessenger},
	domain.ChannelInstagram: {Decode: decodeInstagram, Encode: encodeMessenger},
	domain.ChannelSlack:     {Decode: decodeSlack, Encode: encodeSlack},
	domain.ChannelTelegram:  {Decode: decodeTelegram, Encode: encodeTelegram},
	domain.ChannelHangouts:  {Decode: decodeHangouts, Encode: encodeHangouts},
	domain.ChannelMSTeams:   {Decode: decodeMSTeams, Encode: encodeMSTeams},
	domain.ChannelLine:      {Decode: decodeLine, Encode: encodeLine},
}

// For returns the codec for a channel kind.
func For(kind domain.ChannelType) (Codec, error) {
	c, ok := codecs[kind]
	if !ok {
		return Codec{}, fmt.Errorf("%w: %s", channel.ErrInvalidChannelType, kind)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Encoder template errors
// ---------------------------------------------------------------------------

// TemplateError reports a missing (channel, element type) encoder mapping.
type TemplateError struct {
	Channel domain.ChannelType
	Element ElementType
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("channel %s has no response template for element type %s", e.Channel, e.Element)
}
