package channels

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// ---------------------------------------------------------------------------
// Meta signature verification (WhatsApp Cloud, Messenger, Instagram)
// ---------------------------------------------------------------------------

// verifyMetaSignature checks the X-Hub-Signature header: HMAC-SHA1 of the
// raw body keyed with the app secret, compared in constant time.
func verifyMetaSignature(appSecret string, body []byte, header http.Header) error {
	if appSecret == "" {
		return nil // signature checking not configured for this BSP
	}
	sig := header.Get("X-Hub-Signature")
	sig = strings.TrimPrefix(sig, "sha1=")
	if sig == "" {
		return channel.ErrAuth
	}
	mac := hmac.New(sha1.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return channel.ErrAuth
	}
	return nil
}

// ---------------------------------------------------------------------------
// Inbound payload shapes (WhatsApp Cloud API)
// ---------------------------------------------------------------------------

type waPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []waMessage `json:"messages"`
				Statuses []waStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
		NfmReply *struct {
			ResponseJSON json.RawMessage `json:"response_json"`
			Name         string          `json:"name"`
		} `json:"nfm_reply"`
	} `json:"interactive"`
	Image    *waMedia `json:"image"`
	Audio    *waMedia `json:"audio"`
	Voice    *waMedia `json:"voice"`
	Video    *waMedia `json:"video"`
	Document *waMedia `json:"document"`
	Location *struct {
		Latitude  json.Number `json:"latitude"`
		Longitude json.Number `json:"longitude"`
	} `json:"location"`
	Order   json.RawMessage `json:"order"`
	Payment json.RawMessage `json:"payment"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type waStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	RecipientID  string `json:"recipient_id"`
	Conversation *struct {
		ID     string `json:"id"`
		Origin struct {
			Type string `json:"type"`
		} `json:"origin"`
	} `json:"conversation"`
	Errors []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

func decodeWhatsApp(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	// 360dialog forwards without Meta's signature; meta_cloud always signs.
	if cfg.BSP != channel.BSP360Dialog {
		if err := verifyMetaSignature(cfg.Credentials.AppSecret, body, header); err != nil {
			return nil, err
		}
	}

	var payload waPayload
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
	}

	inbound := &Inbound{}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			for _, st := range value.Statuses {
				update := StatusUpdate{
					MessageID: st.ID,
					Recipient: st.RecipientID,
					Status:    st.Status,
				}
				if st.Conversation != nil {
					update.Initiator = st.Conversation.Origin.Type
				}
				for _, e := range st.Errors {
					update.Errors = append(update.Errors, fmt.Sprintf("%d: %s", e.Code, e.Title))
				}
				inbound.Statuses = append(inbound.Statuses, update)
			}
			for _, msg := range value.Messages {
				um, err := decodeWhatsAppMessage(cfg, msg)
				if err != nil {
					return nil, err
				}
				um.Metadata.Set("display_phone_number", value.Metadata.DisplayPhoneNumber)
				um.Metadata.Set("phone_number_id", value.Metadata.PhoneNumberID)
				um.Metadata.Set("timestamp", msg.Timestamp)
				inbound.Message = um
			}
		}
	}

	if inbound.Message == nil && len(inbound.Statuses) == 0 {
		inbound.Skip = true
	}
	return inbound, nil
}

func decodeWhatsAppMessage(cfg *channel.BotChannelConfig, msg waMessage) (*UserMessage, error) {
	um := &UserMessage{
		Bot:       cfg.Bot,
		Sender:    msg.From,
		Channel:   cfg.Type,
		MessageID: msg.ID,
		Metadata:  make(map[string]string),
	}

	switch msg.Type {
	case "text":
		um.Text = msg.Text.Body
	case "button":
		// Template button replies keep the label as text when payload and
		// label agree; otherwise the payload is surfaced to the matcher.
		if msg.Button.Payload != msg.Button.Text {
			um.Text = QuickReplyLiteral(msg.Button.Payload)
		} else {
			um.Text = msg.Button.Text
		}
	case "interactive":
		switch {
		case msg.Interactive.ButtonReply != nil:
			um.Text = msg.Interactive.ButtonReply.ID
		case msg.Interactive.ListReply != nil:
			um.Text = msg.Interactive.ListReply.ID
		case msg.Interactive.NfmReply != nil:
			raw, err := unquoteRaw(msg.Interactive.NfmReply.ResponseJSON)
			if err != nil {
				return nil, fmt.Errorf("%w: flow reply: %v", channel.ErrUnsupportedMessage, err)
			}
			text, err := FlowReplyLiteral(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
			}
			um.Text = text
			// Flow replies can embed uploaded document ids.
			um.MediaIDs = flowMediaIDs(raw)
		default:
			return nil, fmt.Errorf("%w: interactive %s", channel.ErrUnsupportedMessage, msg.Interactive.Type)
		}
	case "image":
		um.Text = MultimediaLiteral("image", msg.Image.ID)
		um.MediaIDs = []string{msg.Image.ID}
	case "audio":
		um.Text = MultimediaLiteral("audio", msg.Audio.ID)
		um.MediaIDs = []string{msg.Audio.ID}
	case "voice":
		// Voice notes are normalised to audio.
		um.Text = MultimediaLiteral("audio", msg.Voice.ID)
		um.MediaIDs = []string{msg.Voice.ID}
	case "video":
		um.Text = MultimediaLiteral("video", msg.Video.ID)
		um.MediaIDs = []string{msg.Video.ID}
	case "document":
		um.Text = MultimediaLiteral("document", msg.Document.ID)
		um.MediaIDs = []string{msg.Document.ID}
	case "location":
		um.Text = LocationLiteral(msg.Location.Latitude.String(), msg.Location.Longitude.String())
	case "order":
		text, err := OrderLiteral(msg.Order)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
		}
		um.Text = text
	case "payment":
		text, err := PaymentLiteral(msg.Payment)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
		}
		um.Text = text
	default:
		return nil, fmt.Errorf("%w: whatsapp %s", channel.ErrUnsupportedMessage, msg.Type)
	}
	return um, nil
}

// unquoteRaw handles response_json arriving either as a JSON string holding
// encoded JSON, or as an inline object.
func unquoteRaw(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return json.RawMessage(s), nil
	}
	return raw, nil
}

// flowMediaIDs extracts document media ids embedded in a flow reply.
func flowMediaIDs(raw json.RawMessage) []string {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	var ids []string
	for key, v := range fields {
		if !strings.HasPrefix(key, "doc") && key != "document" {
			continue
		}
		if m, ok := v.(map[string]interface{}); ok {
			if id, ok := m["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// ---------------------------------------------------------------------------
// Encoder
// ---------------------------------------------------------------------------

var whatsappTemplates = &templateSet{
	channel: "whatsapp",
	templates: map[ElementType]msgTemplate{
		ElementText: {
			body: `{"type": "text", "text": {"body": "__TEXT__"}}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementParagraph: {
			body: `{"type": "text", "text": {"body": "__TEXT__", "preview_url": false}}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementImage: {
			body: `{"type": "image", "image": {"link": "__URL__", "caption": "__TEXT__"}}`,
			keys: map[string]string{"url": "__URL__", "text": "__TEXT__"},
		},
		ElementVideo: {
			body: `{"type": "video", "video": {"link": "__URL__"}}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementLink: {
			body: `{"type": "text", "text": {"body": "__URL__", "preview_url": true}}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementButtons: {
			body: `{"type": "interactive", "interactive": {"type": "button", "body": {"text": "__TEXT__"}, "action": {"buttons": "__BUTTONS__"}}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementQuickReply: {
			body: `{"type": "interactive", "interactive": {"type": "button", "body": {"text": "__TEXT__"}, "action": {"buttons": "__BUTTONS__"}}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementDropdown: {
			body: `{"type": "interactive", "interactive": {"type": "list", "body": {"text": "__TEXT__"}, "action": {"button": "Select", "sections": [{"rows": "__BUTTONS__"}]}}}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
			shape: func(buttons []Button) interface{} {
				rows := make([]map[string]string, 0, len(buttons))
				for _, b := range buttons {
					rows = append(rows, map[string]string{"id": b.Payload, "title": b.Title})
				}
				return rows
			},
		},
	},
	shapeButtons: shapeWhatsAppButtons,
}

func shapeWhatsAppButtons(buttons []Button) interface{} {
	out := make([]map[string]interface{}, 0, len(buttons))
	for _, b := range buttons {
		out = append(out, map[string]interface{}{
			"type":  "reply",
			"reply": map[string]string{"id": b.Payload, "title": b.Title},
		})
	}
	return out
}

func encodeWhatsApp(resp *Response) ([]map[string]interface{}, error) {
	return whatsappTemplates.Encode(resp)
}
