package channels

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// ---------------------------------------------------------------------------
// Google Chat (hangouts) decoder
// ---------------------------------------------------------------------------

type gchatEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"message"`
	User struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Space struct {
		Name string `json:"name"`
	} `json:"space"`
}

func decodeHangouts(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	var event gchatEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
	}

	switch event.Type {
	case "MESSAGE":
		if event.Message == nil {
			return nil, fmt.Errorf("%w: MESSAGE event without message", channel.ErrUnsupportedMessage)
		}
		return &Inbound{Message: &UserMessage{
			Bot:       cfg.Bot,
			Sender:    event.Space.Name,
			Channel:   cfg.Type,
			Text:      event.Message.Text,
			MessageID: event.Message.Name,
			Metadata: map[string]string{
				"user":         event.User.Name,
				"display_name": event.User.DisplayName,
			},
		}}, nil
	case "ADDED_TO_SPACE", "REMOVED_FROM_SPACE", "CARD_CLICKED":
		return &Inbound{Skip: true}, nil
	default:
		return &Inbound{Skip: true}, nil
	}
}

// ---------------------------------------------------------------------------
// Encoder (spaces.messages bodies)
// ---------------------------------------------------------------------------

var hangoutsTemplates = &templateSet{
	channel: "hangouts",
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
			body: `{"cards": [{"sections": [{"widgets": [{"image": {"imageUrl": "__URL__"}}]}]}]}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementVideo: {
			body: `{"text": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementLink: {
			body: `{"text": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementButtons: {
			body: `{"cards": [{"sections": [{"widgets": [{"textParagraph": {"text": "__TEXT__"}}, {"buttons": "__BUTTONS__"}]}]}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementQuickReply: {
			body: `{"cards": [{"sections": [{"widgets": [{"textParagraph": {"text": "__TEXT__"}}, {"buttons": "__BUTTONS__"}]}]}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementDropdown: {
			body: `{"cards": [{"sections": [{"widgets": [{"textParagraph": {"text": "__TEXT__"}}, {"buttons": "__BUTTONS__"}]}]}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
	},
	shapeButtons: func(buttons []Button) interface{} {
		out := make([]map[string]interface{}, 0, len(buttons))
		for _, b := range buttons {
			out = append(out, map[string]interface{}{
				"textButton": map[string]interface{}{
					"text": b.Title,
					"onClick": map[string]interface{}{
						"action": map[string]interface{}{
							"actionMethodName": b.Payload,
						},
					},
				},
			})
		}
		return out
	},
}

func encodeHangouts(resp *Response) ([]map[string]interface{}, error) {
	return hangoutsTemplates.Encode(resp)
}
