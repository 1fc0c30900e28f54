// Package channels implements the provider codec layer: inbound webhook
// payloads are decoded into canonical user messages, and generic bot
// responses are encoded back into each provider's wire format.
package channels

import (
	"github.com/kairon-chat/kairon/pkg/domain"
)

// ---------------------------------------------------------------------------
// Canonical inbound model
// ---------------------------------------------------------------------------

// UserMessage is the canonical form of one inbound message. It is created
// per webhook, consumed by the agent, and discarded after the turn.
type UserMessage struct {
	Bot       string             `json:"bot"`
	Sender    string             `json:"sender_id"`
	Channel   domain.ChannelType `json:"channel_type"`
	Text      string             `json:"text"`
	MessageID string             `json:"message_id,omitempty"`
	MediaIDs  []string           `json:"media_ids,omitempty"`
	Metadata  domain.Metadata    `json:"metadata,omitempty"`
}

// StatusUpdate is a provider delivery/read acknowledgement for a message
// previously sent by the platform.
type StatusUpdate struct {
	MessageID string   `json:"message_id"`
	Recipient string   `json:"recipient"`
	Status    string   `json:"status"`
	Initiator string   `json:"initiator,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Inbound is the result of decoding one webhook body. A payload may carry
// a user message, status updates, both, or nothing actionable (Skip).
type Inbound struct {
	Message  *UserMessage
	Statuses []StatusUpdate
	// Retry marks a provider redelivery of an already-seen payload.
	Retry bool
	// Skip marks a recognised payload that is intentionally ignored.
	Skip bool
	// Challenge carries a Slack url_verification value to echo back.
	Challenge string
}

// ---------------------------------------------------------------------------
// Generic response model
// ---------------------------------------------------------------------------

// ElementType enumerates the response element kinds every encoder must map.
type ElementType string

const (
	ElementText       ElementType = "text"
	ElementImage      ElementType = "image"
	ElementVideo      ElementType = "video"
	ElementLink       ElementType = "link"
	ElementButtons    ElementType = "button"
	ElementQuickReply ElementType = "quick_reply"
	ElementDropdown   ElementType = "dropdown"
	ElementParagraph  ElementType = "paragraph"
)

// Button is one option inside a button group, quick-reply set or dropdown.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Element is one item of a generic response.
type Element struct {
	Type    ElementType `json:"type"`
	Text    string      `json:"text,omitempty"`
	URL     string      `json:"url,omitempty"`
	Buttons []Button    `json:"buttons,omitempty"`
	// Payload carries an optional per-element value; unknown element
	// types degrade to plain text containing its stringified form.
	Payload interface{} `json:"payload,omitempty"`
}

// Response is the ordered, provider-agnostic reply produced by the agent.
// It lives only for one turn.
type Response struct {
	Recipient string    `json:"recipient"`
	Elements  []Element `json:"elements"`
}

// Text is a convenience constructor for a single-text response.
func Text(recipient, text string) *Response {
	return &Response{Recipient: recipient, Elements: []Element{{Type: ElementText, Text: text}}}
}
