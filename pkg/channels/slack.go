package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// slackSkewLimit bounds the age of a signed Slack request.
const slackSkewLimit = 5 * time.Minute

// slackNow is swapped in tests to pin the clock.
var slackNow = time.Now

// ---------------------------------------------------------------------------
// Signature verification: v0=HMAC-SHA256("v0:{ts}:{body}")
// ---------------------------------------------------------------------------

func verifySlackSignature(signingSecret string, body []byte, header http.Header) error {
	ts := header.Get("X-Slack-Request-Timestamp")
	sig := header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return channel.ErrAuth
	}

	epoch, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return channel.ErrAuth
	}
	age := slackNow().UTC().Sub(time.Unix(epoch, 0))
	if age > slackSkewLimit || age < -slackSkewLimit {
		return fmt.Errorf("%w: request timestamp outside tolerance", channel.ErrAuth)
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return channel.ErrAuth
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

type slackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	Event     *struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		User    string `json:"user"`
		BotID   string `json:"bot_id"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"event"`
}

func decodeSlack(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	if err := verifySlackSignature(cfg.Credentials.SigningSecret, body, header); err != nil {
		return nil, err
	}

	// Slack redeliveries carry retry headers; the handler replies 201 with
	// X-Slack-No-Retry so the event is not processed twice.
	if header.Get("X-Slack-Retry-Num") != "" {
		return &Inbound{Retry: true}, nil
	}

	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
	}

	switch env.Type {
	case "url_verification":
		// The handler echoes the challenge; nothing to route.
		return &Inbound{Skip: true, Challenge: env.Challenge}, nil
	case "event_callback":
		ev := env.Event
		if ev == nil || ev.Type != "message" || ev.BotID != "" || ev.Subtype != "" {
			return &Inbound{Skip: true}, nil
		}
		um := &UserMessage{
			Bot:       cfg.Bot,
			Sender:    ev.User,
			Channel:   cfg.Type,
			Text:      ev.Text,
			MessageID: ev.TS,
			Metadata:  map[string]string{"slack_channel": ev.Channel, "team_id": env.TeamID},
		}
		return &Inbound{Message: um}, nil
	default:
		return &Inbound{Skip: true}, nil
	}
}

// ---------------------------------------------------------------------------
// Encoder (chat.postMessage bodies)
// ---------------------------------------------------------------------------

var slackTemplates = &templateSet{
	channel: "slack",
	templates: map[ElementType]msgTemplate{
		ElementText: {
			body: `{"text": "__TEXT__"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementParagraph: {
			body: `{"blocks": [{"type": "section", "text": {"type": "mrkdwn", "text": "__TEXT__"}}]}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementImage: {
			body: `{"blocks": [{"type": "image", "image_url": "__URL__", "alt_text": "__TEXT__"}]}`,
			keys: map[string]string{"url": "__URL__", "text": "__TEXT__"},
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
			body: `{"blocks": [{"type": "section", "text": {"type": "mrkdwn", "text": "__TEXT__"}}, {"type": "actions", "elements": "__BUTTONS__"}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementQuickReply: {
			body: `{"blocks": [{"type": "section", "text": {"type": "mrkdwn", "text": "__TEXT__"}}, {"type": "actions", "elements": "__BUTTONS__"}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementDropdown: {
			body: `{"blocks": [{"type": "section", "text": {"type": "mrkdwn", "text": "__TEXT__"}, "accessory": {"type": "static_select", "options": "__BUTTONS__"}}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
			shape: func(buttons []Button) interface{} {
				out := make([]map[string]interface{}, 0, len(buttons))
				for _, b := range buttons {
					out = append(out, map[string]interface{}{
						"text":  map[string]interface{}{"type": "plain_text", "text": b.Title},
						"value": b.Payload,
					})
				}
				return out
			},
		},
	},
	shapeButtons: func(buttons []Button) interface{} {
		out := make([]map[string]interface{}, 0, len(buttons))
		for _, b := range buttons {
			out = append(out, map[string]interface{}{
				"type":  "button",
				"text":  map[string]interface{}{"type": "plain_text", "text": b.Title},
				"value": b.Payload,
			})
		}
		return out
	},
}

func encodeSlack(resp *Response) ([]map[string]interface{}, error) {
	return slackTemplates.Encode(resp)
}
