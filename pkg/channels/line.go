package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// ---------------------------------------------------------------------------
// Signature verification: base64(HMAC-SHA256(channel secret, body))
// ---------------------------------------------------------------------------

func verifyLineSignature(channelSecret string, body []byte, header http.Header) error {
	sig := header.Get("X-Line-Signature")
	if sig == "" {
		return channel.ErrAuth
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return channel.ErrAuth
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

type linePayload struct {
	Events []struct {
		Type       string `json:"type"`
		ReplyToken string `json:"replyToken"`
		Source     struct {
			UserID  string `json:"userId"`
			GroupID string `json:"groupId"`
		} `json:"source"`
		Message *struct {
			ID        string      `json:"id"`
			Type      string      `json:"type"`
			Text      string      `json:"text"`
			PackageID string      `json:"packageId"`
			StickerID string      `json:"stickerId"`
			Latitude  json.Number `json:"latitude"`
			Longitude json.Number `json:"longitude"`
		} `json:"message"`
	} `json:"events"`
}

func decodeLine(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	if err := verifyLineSignature(cfg.Credentials.AppSecret, body, header); err != nil {
		return nil, err
	}

	var payload linePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
	}

	inbound := &Inbound{}
	for _, event := range payload.Events {
		if event.Type != "message" || event.Message == nil {
			continue
		}
		msg := event.Message
		sender := event.Source.UserID
		if sender == "" {
			sender = event.Source.GroupID
		}
		um := &UserMessage{
			Bot:       cfg.Bot,
			Sender:    sender,
			Channel:   cfg.Type,
			MessageID: msg.ID,
			Metadata:  map[string]string{"reply_token": event.ReplyToken},
		}
		switch msg.Type {
		case "text":
			um.Text = msg.Text
		case "image", "video", "audio":
			um.Text = MultimediaLiteral(msg.Type, msg.ID)
			um.MediaIDs = []string{msg.ID}
		case "file":
			um.Text = MultimediaLiteral("document", msg.ID)
			um.MediaIDs = []string{msg.ID}
		case "sticker":
			um.Text = StickerLiteral(msg.PackageID, msg.StickerID)
		case "location":
			um.Text = LocationLiteral(msg.Latitude.String(), msg.Longitude.String())
		default:
			// Unknown LINE message kinds are skipped with a success ack.
			continue
		}
		inbound.Message = um
	}

	if inbound.Message == nil {
		inbound.Skip = true
	}
	return inbound, nil
}

// ---------------------------------------------------------------------------
// Encoder (Messaging API message objects)
// ---------------------------------------------------------------------------

var lineTemplates = &templateSet{
	channel: "line",
	templates: map[ElementType]msgTemplate{
		ElementText: {
			body: `{"type": "text", "text": "__TEXT__"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementParagraph: {
			body: `{"type": "text", "text": "__TEXT__"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementImage: {
			body: `{"type": "image", "originalContentUrl": "__URL__", "previewImageUrl": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementVideo: {
			body: `{"type": "video", "originalContentUrl": "__URL__", "previewImageUrl": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementLink: {
			body: `{"type": "text", "text": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementButtons: {
			body: `{"type": "template", "altText": "__TEXT__", "template": {"type": "buttons", "text": "__TEXT__", "actions": "__BUTTONS__"}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementQuickReply: {
			body: `{"type": "text", "text": "__TEXT__", "quickReply": {"items": "__BUTTONS__"}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
			shape: func(buttons []Button) interface{} {
				items := make([]map[string]interface{}, 0, len(buttons))
				for _, b := range buttons {
					items = append(items, map[string]interface{}{
						"type": "action",
						"action": map[string]string{
							"type": "message", "label": b.Title, "text": b.Payload,
						},
					})
				}
				return items
			},
		},
		ElementDropdown: {
			body: `{"type": "template", "altText": "__TEXT__", "template": {"type": "buttons", "text": "__TEXT__", "actions": "__BUTTONS__"}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
	},
	shapeButtons: func(buttons []Button) interface{} {
		out := make([]map[string]string, 0, len(buttons))
		for _, b := range buttons {
			out = append(out, map[string]string{
				"type": "message", "label": b.Title, "text": b.Payload,
			})
		}
		return out
	},
}

func encodeLine(resp *Response) ([]map[string]interface{}, error) {
	return lineTemplates.Encode(resp)
}
