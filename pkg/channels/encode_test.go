package channels

import (
	"errors"
	"testing"

	"github.com/kairon-chat/kairon/pkg/domain"
)

func TestEncodeWhatsAppQuickReply(t *testing.T) {
	resp := &Response{
		Recipient: "91012",
		Elements: []Element{{
			Type: ElementQuickReply,
			Text: "Pick one",
			Buttons: []Button{
				{Title: "Yes", Payload: "/affirm"},
				{Title: "No", Payload: "/deny"},
			},
		}},
	}
	bodies, err := encodeWhatsApp(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("bodies = %d, want 1", len(bodies))
	}

	interactive, ok := bodies[0]["interactive"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing interactive object: %v", bodies[0])
	}
	action := interactive["action"].(map[string]interface{})
	buttons := action["buttons"].([]interface{})
	if len(buttons) != 2 {
		t.Fatalf("buttons = %d, want 2", len(buttons))
	}
	first := buttons[0].(map[string]interface{})
	reply := first["reply"].(map[string]interface{})
	if reply["id"] != "/affirm" || reply["title"] != "Yes" {
		t.Errorf("unexpected button shape %v", first)
	}
}

func TestEncodePreservesElementOrder(t *testing.T) {
	resp := &Response{
		Recipient: "91012",
		Elements: []Element{
			{Type: ElementText, Text: "first"},
			{Type: ElementImage, URL: "https://example.com/a.png", Text: "a"},
			{Type: ElementText, Text: "last"},
		},
	}
	bodies, err := encodeWhatsApp(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(bodies) != 3 {
		t.Fatalf("bodies = %d, want 3", len(bodies))
	}
	if bodies[0]["type"] != "text" || bodies[1]["type"] != "image" || bodies[2]["type"] != "text" {
		t.Errorf("order not preserved: %v", bodies)
	}
}

func TestEncodeUnknownElementDegradesToText(t *testing.T) {
	resp := &Response{
		Recipient: "91012",
		Elements: []Element{{
			Type:    ElementType("carousel"),
			Payload: map[string]interface{}{"cards": 3},
		}},
	}
	bodies, err := encodeWhatsApp(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := bodies[0]["text"].(map[string]interface{})
	if text["body"] != `{"cards":3}` {
		t.Errorf("body = %q, want stringified payload", text["body"])
	}
}

func TestEncodeMissingTemplate(t *testing.T) {
	ts := &templateSet{
		channel: domain.ChannelWhatsApp,
		templates: map[ElementType]msgTemplate{
			ElementText: {
				body: `{"text": "__TEXT__"}`,
				keys: map[string]string{"text": "__TEXT__"},
			},
		},
	}
	_, err := ts.Encode(&Response{Elements: []Element{{Type: ElementImage, URL: "u"}}})
	var terr *TemplateError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TemplateError", err)
	}
	if terr.Element != ElementImage {
		t.Errorf("element = %s, want image", terr.Element)
	}
}

func TestEncodeEscapesText(t *testing.T) {
	resp := &Response{
		Recipient: "91012",
		Elements:  []Element{{Type: ElementText, Text: "line1\nwith \"quotes\""}},
	}
	bodies, err := encodeWhatsApp(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := bodies[0]["text"].(map[string]interface{})
	if text["body"] != "line1\nwith \"quotes\"" {
		t.Errorf("body = %q", text["body"])
	}
}

func TestForUnknownChannel(t *testing.T) {
	if _, err := For(domain.ChannelType("discord")); err == nil {
		t.Error("expected error for unregistered channel kind")
	}
	for _, kind := range domain.AllChannelTypes() {
		if _, err := For(kind); err != nil {
			t.Errorf("For(%s): %v", kind, err)
		}
	}
}
