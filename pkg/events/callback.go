package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kairon-chat/kairon/pkg/logger"
)

// callbackTokenTTL bounds the bearer token lifetime on callback dispatch.
const callbackTokenTTL = 5 * time.Minute

// CallbackExecutor delivers short synchronous callbacks: it signs a
// short-lived bearer token and POSTs the payload to the callback URL.
type CallbackExecutor struct {
	secret []byte
	httpc  *http.Client
}

func NewCallbackExecutor(secret string) *CallbackExecutor {
	return &CallbackExecutor{
		secret: []byte(secret),
		httpc:  &http.Client{Timeout: 30 * time.Second},
	}
}

// signToken issues the bearer token carrying the event identity.
func (e *CallbackExecutor) signToken(payload *Payload) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"event_id": payload.EventID,
		"bot":      payload.Bot,
		"iat":      now.Unix(),
		"exp":      now.Add(callbackTokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
}

// VerifyToken validates a presented callback token and returns its event id.
func (e *CallbackExecutor) VerifyToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return e.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims shape")
	}
	eventID, _ := claims["event_id"].(string)
	return eventID, nil
}

// Dispatch POSTs the payload to url with a fresh token, logging request,
// response and elapsed time.
func (e *CallbackExecutor) Dispatch(ctx context.Context, url string, payload *Payload) error {
	token, err := e.signToken(payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.httpc.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		logger.ErrorCF("events", "Callback dispatch failed", map[string]interface{}{
			"url": url, "event_id": payload.EventID,
			"elapsed_ms": elapsed.Milliseconds(), "error": err.Error(),
		})
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	logger.InfoCF("events", "Callback dispatched", map[string]interface{}{
		"url": url, "event_id": payload.EventID, "status": resp.StatusCode,
		"elapsed_ms": elapsed.Milliseconds(), "response": string(body),
	})
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}
