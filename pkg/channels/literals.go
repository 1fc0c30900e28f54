package channels

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Canonical synthesised-text prefixes. Downstream intent matchers pattern
// match on these literals, so they are a byte-exact compatibility contract.
const (
	prefixInteractive = "/k_interactive_msg"
	prefixQuickReply  = "/k_quick_reply_msg"
	prefixMultimedia  = "/k_multimedia_msg"
	prefixOrder       = "/k_order_msg"
	prefixPayment     = "/k_payment_msg"
	prefixSticker     = "/k_sticker_msg"
)

// jsonString JSON-escapes a value for embedding inside a literal.
func jsonString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// QuickReplyLiteral synthesises text for a quick reply whose payload
// differs from its label.
func QuickReplyLiteral(payload string) string {
	return prefixQuickReply + `{"quick_reply": ` + jsonString(payload) + `}`
}

// MultimediaLiteral synthesises text for a media message. kind is one of
// image, audio, video, document (voice is normalised to audio upstream).
func MultimediaLiteral(kind, id string) string {
	return prefixMultimedia + `{` + jsonString(kind) + `: ` + jsonString(id) + `}`
}

// LocationLiteral synthesises text for a shared location.
func LocationLiteral(latitude, longitude string) string {
	return prefixMultimedia + `{"latitude": ` + jsonString(latitude) +
		`, "longitude": ` + jsonString(longitude) + `}`
}

// StickerLiteral synthesises text for a LINE sticker.
func StickerLiteral(packageID, stickerID string) string {
	return prefixSticker + `{"packageId": ` + jsonString(packageID) +
		`, "stickerId": ` + jsonString(stickerID) + `}`
}

// OrderLiteral synthesises text for a commerce order message.
func OrderLiteral(order json.RawMessage) (string, error) {
	body, err := reflowJSON(order)
	if err != nil {
		return "", fmt.Errorf("order payload: %w", err)
	}
	return prefixOrder + `{"order": ` + body + `}`, nil
}

// PaymentLiteral synthesises text for a payment notification.
func PaymentLiteral(payment json.RawMessage) (string, error) {
	body, err := reflowJSON(payment)
	if err != nil {
		return "", fmt.Errorf("payment payload: %w", err)
	}
	return prefixPayment + `{"payment": ` + body + `}`, nil
}

// InteractiveLiteral wraps an already-formatted JSON body.
func InteractiveLiteral(body string) string {
	return prefixInteractive + body
}

// FlowReplyLiteral synthesises text for a WhatsApp Flow (nfm) reply. The
// provider's response_json keys keep their original order and a trailing
// "type": "nfm_reply" member is appended.
func FlowReplyLiteral(responseJSON []byte) (string, error) {
	body, err := reflowObject(responseJSON, `"type": "nfm_reply"`)
	if err != nil {
		return "", fmt.Errorf("flow reply payload: %w", err)
	}
	return prefixInteractive + `{"flow_reply": ` + body + `}`, nil
}

// ---------------------------------------------------------------------------
// JSON reflow — order-preserving re-serialization
// ---------------------------------------------------------------------------

// reflowJSON re-serializes raw JSON preserving member order, with ", " and
// ": " separators. Existing bots were trained on text produced with these
// separators, so compact Go output would break intent matching.
func reflowJSON(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var b strings.Builder
	if err := reflowValue(dec, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// reflowObject reflows a JSON object and appends one extra pre-formatted
// member before the closing brace.
func reflowObject(raw json.RawMessage, extra string) (string, error) {
	body, err := reflowJSON(raw)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return "", fmt.Errorf("expected JSON object, got %q", body)
	}
	inner := strings.TrimSuffix(body, "}")
	if inner == "{" {
		return "{" + extra + "}", nil
	}
	return inner + ", " + extra + "}", nil
}

func reflowValue(dec *json.Decoder, b *strings.Builder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	return reflowToken(dec, b, tok)
}

func reflowToken(dec *json.Decoder, b *strings.Builder, tok json.Token) error {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			b.WriteByte('{')
			first := true
			for dec.More() {
				if !first {
					b.WriteString(", ")
				}
				first = false
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key, ok := keyTok.(string)
				if !ok {
					return fmt.Errorf("object key is not a string: %v", keyTok)
				}
				b.WriteString(jsonString(key))
				b.WriteString(": ")
				if err := reflowValue(dec, b); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return err
			}
			b.WriteByte('}')
		case '[':
			b.WriteByte('[')
			first := true
			for dec.More() {
				if !first {
					b.WriteString(", ")
				}
				first = false
				if err := reflowValue(dec, b); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return err
			}
			b.WriteByte(']')
		}
		return nil
	case string:
		b.WriteString(jsonString(t))
	case json.Number:
		b.WriteString(t.String())
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case nil:
		b.WriteString("null")
	default:
		return fmt.Errorf("unexpected JSON token %v", tok)
	}
	return nil
}
