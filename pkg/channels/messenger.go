package channels

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// ---------------------------------------------------------------------------
// Messenger / Instagram — both ride the Meta Graph webhook format
// ---------------------------------------------------------------------------

type fbPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []fbMessaging `json:"messaging"`
	} `json:"entry"`
}

type fbMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *struct {
		MID        string `json:"mid"`
		Text       string `json:"text"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
	Delivery *struct {
		MIDs []string `json:"mids"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
}

func decodeMessenger(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	return decodeMeta(cfg, body, header)
}

func decodeInstagram(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	return decodeMeta(cfg, body, header)
}

func decodeMeta(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	if err := verifyMetaSignature(cfg.Credentials.AppSecret, body, header); err != nil {
		return nil, err
	}

	var payload fbPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
	}

	inbound := &Inbound{}
	for _, entry := range payload.Entry {
		for _, msging := range entry.Messaging {
			switch {
			case msging.Message != nil:
				um := &UserMessage{
					Bot:       cfg.Bot,
					Sender:    msging.Sender.ID,
					Channel:   cfg.Type,
					MessageID: msging.Message.MID,
					Metadata:  make(map[string]string),
				}
				switch {
				case msging.Message.QuickReply != nil:
					payload := msging.Message.QuickReply.Payload
					if payload != msging.Message.Text {
						um.Text = QuickReplyLiteral(payload)
					} else {
						um.Text = payload
					}
				case msging.Message.Text != "":
					um.Text = msging.Message.Text
				case len(msging.Message.Attachments) > 0:
					att := msging.Message.Attachments[0]
					kind := att.Type
					if kind == "file" {
						kind = "document"
					}
					switch kind {
					case "image", "audio", "video", "document":
						um.Text = MultimediaLiteral(kind, att.Payload.URL)
						um.MediaIDs = []string{att.Payload.URL}
					default:
						return nil, fmt.Errorf("%w: attachment %s", channel.ErrUnsupportedMessage, att.Type)
					}
				default:
					return nil, fmt.Errorf("%w: empty messenger message", channel.ErrUnsupportedMessage)
				}
				inbound.Message = um
			case msging.Postback != nil:
				inbound.Message = &UserMessage{
					Bot:      cfg.Bot,
					Sender:   msging.Sender.ID,
					Channel:  cfg.Type,
					Text:     msging.Postback.Payload,
					Metadata: make(map[string]string),
				}
			case msging.Delivery != nil:
				for _, mid := range msging.Delivery.MIDs {
					inbound.Statuses = append(inbound.Statuses, StatusUpdate{
						MessageID: mid,
						Recipient: msging.Sender.ID,
						Status:    "delivered",
					})
				}
			case msging.Read != nil:
				inbound.Statuses = append(inbound.Statuses, StatusUpdate{
					Recipient: msging.Sender.ID,
					Status:    "read",
				})
			}
		}
	}

	if inbound.Message == nil && len(inbound.Statuses) == 0 {
		inbound.Skip = true
	}
	return inbound, nil
}

// ---------------------------------------------------------------------------
// Encoder (Send API message objects)
// ---------------------------------------------------------------------------

var messengerTemplates = &templateSet{
	channel: "messenger",
	templates: map[ElementType]msgTemplate{
		ElementText: {
			body: `{"text": "__TEXT__"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementParagraph: {
			body: `{"text": "__TEXT__"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementImage: {
			body: `{"attachment": {"type": "image", "payload": {"url": "__URL__", "is_reusable": true}}}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementVideo: {
			body: `{"attachment": {"type": "video", "payload": {"url": "__URL__", "is_reusable": true}}}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementLink: {
			body: `{"text": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementButtons: {
			body: `{"attachment": {"type": "template", "payload": {"template_type": "button", "text": "__TEXT__", "buttons": "__BUTTONS__"}}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
			shape: func(buttons []Button) interface{} {
				out := make([]map[string]string, 0, len(buttons))
				for _, b := range buttons {
					out = append(out, map[string]string{
						"type": "postback", "title": b.Title, "payload": b.Payload,
					})
				}
				return out
			},
		},
		ElementQuickReply: {
			body: `{"text": "__TEXT__", "quick_replies": "__BUTTONS__"}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementDropdown: {
			body: `{"text": "__TEXT__", "quick_replies": "__BUTTONS__"}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
	},
	shapeButtons: func(buttons []Button) interface{} {
		out := make([]map[string]string, 0, len(buttons))
		for _, b := range buttons {
			out = append(out, map[string]string{
				"content_type": "text", "title": b.Title, "payload": b.Payload,
			})
		}
		return out
	},
}

func encodeMessenger(resp *Response) ([]map[string]interface{}, error) {
	return messengerTemplates.Encode(resp)
}
