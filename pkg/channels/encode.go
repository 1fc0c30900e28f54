package channels

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kairon-chat/kairon/pkg/domain"
)

// ---------------------------------------------------------------------------
// Replace-strategy encoder machinery
//
// Each (channel, element type) pair owns a JSON template plus a
// key→placeholder map. Encoding substitutes placeholders with values taken
// from the generic element, then parses the result into the provider body.
// ---------------------------------------------------------------------------

// msgTemplate is one provider message template. Placeholders appear quoted
// in the body and are replaced by JSON-encoded values.
type msgTemplate struct {
	body string
	// keys maps a generic element key (text, url, buttons, payload) to
	// the placeholder token used in body.
	keys map[string]string
	// shape overrides the set-level button shaper for this element.
	shape func([]Button) interface{}
}

// templateSet is the full encoder definition for one channel.
type templateSet struct {
	channel   domain.ChannelType
	templates map[ElementType]msgTemplate
	// shapeButtons converts generic buttons into the provider's option
	// array shape.
	shapeButtons func([]Button) interface{}
}

// knownElements is the closed element enum. Anything outside it degrades
// to plain text containing the stringified payload.
var knownElements = map[ElementType]bool{
	ElementText: true, ElementImage: true, ElementVideo: true,
	ElementLink: true, ElementButtons: true, ElementQuickReply: true,
	ElementDropdown: true, ElementParagraph: true,
}

// Encode renders every element of a response in order.
func (ts *templateSet) Encode(resp *Response) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		if !knownElements[el.Type] {
			el = Element{Type: ElementText, Text: stringifyPayload(el)}
		}
		tmpl, ok := ts.templates[el.Type]
		if !ok {
			return nil, &TemplateError{Channel: ts.channel, Element: el.Type}
		}
		body, err := ts.render(tmpl, el)
		if err != nil {
			return nil, fmt.Errorf("encode %s element for %s: %w", el.Type, ts.channel, err)
		}
		out = append(out, body)
	}
	return out, nil
}

func (ts *templateSet) render(tmpl msgTemplate, el Element) (map[string]interface{}, error) {
	body := tmpl.body
	for key, placeholder := range tmpl.keys {
		var value interface{}
		switch key {
		case "text":
			value = el.Text
		case "url":
			value = el.URL
		case "buttons":
			switch {
			case tmpl.shape != nil:
				value = tmpl.shape(el.Buttons)
			case ts.shapeButtons != nil:
				value = ts.shapeButtons(el.Buttons)
			default:
				value = el.Buttons
			}
		case "payload":
			value = el.Payload
		default:
			return nil, fmt.Errorf("unknown template key %q", key)
		}
		enc, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		body = strings.ReplaceAll(body, `"`+placeholder+`"`, string(enc))
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("template produced invalid JSON: %w", err)
	}
	return parsed, nil
}

// stringifyPayload degrades an unknown element to readable text.
func stringifyPayload(el Element) string {
	if el.Payload != nil {
		if s, ok := el.Payload.(string); ok {
			return s
		}
		if enc, err := json.Marshal(el.Payload); err == nil {
			return string(enc)
		}
		return fmt.Sprintf("%v", el.Payload)
	}
	return el.Text
}
