package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPActionResolvesSlotHeaders(t *testing.T) {
	var gotRetries, gotFlag, gotMissing string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRetries = r.Header.Get("X-Retries")
		gotFlag = r.Header.Get("X-Enabled")
		gotMissing = r.Header.Get("X-Missing")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"answer": "ok"}`)
	}))
	defer srv.Close()

	action := &HTTPAction{
		ActionName: "lookup",
		URL:        srv.URL,
		Headers: map[string]string{
			"X-Retries": "${retries}",
			"X-Enabled": "${enabled}",
			"X-Missing": "${absent}",
		},
		ResponseKey: "answer",
	}
	tracker := &Tracker{
		Bot:    "bot-1",
		Sender: "user-1",
		// Slots legitimately hold non-string values.
		Slots: map[string]interface{}{"retries": 3, "enabled": true},
	}

	result, err := action.Execute(context.Background(), tracker)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotRetries != "3" {
		t.Errorf("X-Retries = %q, want %q", gotRetries, "3")
	}
	if gotFlag != "true" {
		t.Errorf("X-Enabled = %q, want %q", gotFlag, "true")
	}
	if gotMissing != "" {
		t.Errorf("X-Missing = %q, want empty", gotMissing)
	}
	if len(result.Responses) != 1 || result.Responses[0] != "ok" {
		t.Errorf("responses = %v", result.Responses)
	}
}

func TestHTTPActionSubstitutesSlotParams(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status": "created"}`)
	}))
	defer srv.Close()

	action := &HTTPAction{
		ActionName: "order",
		URL:        srv.URL,
		Params:     map[string]string{"city": "${city}", "static": "fixed"},
	}
	tracker := &Tracker{
		Bot:   "bot-1",
		Slots: map[string]interface{}{"city": "Pune"},
	}
	if _, err := action.Execute(context.Background(), tracker); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{`"city":"Pune"`, `"static":"fixed"`} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("body %q missing %q", gotBody, want)
		}
	}
}
