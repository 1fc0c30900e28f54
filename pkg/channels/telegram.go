package channels

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// ---------------------------------------------------------------------------
// Decoder (Bot API update objects)
// ---------------------------------------------------------------------------

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text     string `json:"text"`
		Location *struct {
			Latitude  json.Number `json:"latitude"`
			Longitude json.Number `json:"longitude"`
		} `json:"location"`
	} `json:"message"`
	CallbackQuery *struct {
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

func decodeTelegram(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	// Telegram signs nothing; the secret token header set at setWebhook
	// time authenticates redeliveries.
	if secret := cfg.Credentials.SigningSecret; secret != "" {
		if header.Get("X-Telegram-Bot-Api-Secret-Token") != secret {
			return nil, channel.ErrAuth
		}
	}

	var update tgUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
	}

	switch {
	case update.CallbackQuery != nil:
		sender := strconv.FormatInt(update.CallbackQuery.From.ID, 10)
		if update.CallbackQuery.Message != nil {
			sender = strconv.FormatInt(update.CallbackQuery.Message.Chat.ID, 10)
		}
		// Button presses surface the callback data as the message text,
		// mirroring interactive replies on other channels.
		return &Inbound{Message: &UserMessage{
			Bot:      cfg.Bot,
			Sender:   sender,
			Channel:  cfg.Type,
			Text:     update.CallbackQuery.Data,
			Metadata: make(map[string]string),
		}}, nil
	case update.Message != nil:
		msg := update.Message
		um := &UserMessage{
			Bot:       cfg.Bot,
			Sender:    strconv.FormatInt(msg.Chat.ID, 10),
			Channel:   cfg.Type,
			MessageID: strconv.FormatInt(msg.MessageID, 10),
			Metadata:  map[string]string{"username": msg.From.Username},
		}
		switch {
		case msg.Location != nil:
			um.Text = LocationLiteral(msg.Location.Latitude.String(), msg.Location.Longitude.String())
		case msg.Text != "":
			um.Text = msg.Text
		default:
			return &Inbound{Skip: true}, nil
		}
		return &Inbound{Message: um}, nil
	default:
		return &Inbound{Skip: true}, nil
	}
}

// ---------------------------------------------------------------------------
// Encoder (sendMessage / sendPhoto / sendVideo bodies)
// ---------------------------------------------------------------------------

var telegramTemplates = &templateSet{
	channel: "telegram",
	templates: map[ElementType]msgTemplate{
		ElementText: {
			body: `{"method": "sendMessage", "text": "__TEXT__"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementParagraph: {
			body: `{"method": "sendMessage", "text": "__TEXT__", "parse_mode": "HTML"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementImage: {
			body: `{"method": "sendPhoto", "photo": "__URL__", "caption": "__TEXT__"}`,
			keys: map[string]string{"url": "__URL__", "text": "__TEXT__"},
		},
		ElementVideo: {
			body: `{"method": "sendVideo", "video": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementLink: {
			body: `{"method": "sendMessage", "text": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementButtons: {
			body: `{"method": "sendMessage", "text": "__TEXT__", "reply_markup": {"inline_keyboard": "__BUTTONS__"}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementQuickReply: {
			body: `{"method": "sendMessage", "text": "__TEXT__", "reply_markup": {"inline_keyboard": "__BUTTONS__"}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementDropdown: {
			body: `{"method": "sendMessage", "text": "__TEXT__", "reply_markup": {"inline_keyboard": "__BUTTONS__"}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
	},
	// Telegram inline keyboards are arrays of button rows.
	shapeButtons: func(buttons []Button) interface{} {
		rows := make([][]map[string]string, 0, len(buttons))
		for _, b := range buttons {
			rows = append(rows, []map[string]string{{
				"text": b.Title, "callback_data": b.Payload,
			}})
		}
		return rows
	},
}

func encodeTelegram(resp *Response) ([]map[string]interface{}, error) {
	return telegramTemplates.Encode(resp)
}
