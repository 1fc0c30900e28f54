package channels

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kairon-chat/kairon/pkg/domain/channel"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// openIDConfigURL publishes the Bot Framework signing keys.
const openIDConfigURL = "https://login.botframework.com/v1/.well-known/openidconfiguration"

// keyRefreshInterval bounds how often the JWKS is re-fetched.
const keyRefreshInterval = 24 * time.Hour

// ---------------------------------------------------------------------------
// JWKS cache — refreshed at most once per day, shared across requests
// ---------------------------------------------------------------------------

type teamsKeyCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey // kid → key
	fetchedAt time.Time
	configURL string
	client    *http.Client
}

var teamsKeys = &teamsKeyCache{
	configURL: openIDConfigURL,
	client:    &http.Client{Timeout: 10 * time.Second},
}

func (c *teamsKeyCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < keyRefreshInterval
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another request may have refreshed while we waited.
	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < keyRefreshInterval {
		return key, nil
	}
	if err := c.refreshLocked(); err != nil {
		return nil, err
	}
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown signing key %s", channel.ErrAuth, kid)
	}
	return key, nil
}

func (c *teamsKeyCache) refreshLocked() error {
	var openID struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := c.fetchJSON(c.configURL, &openID); err != nil {
		return fmt.Errorf("fetch openid configuration: %w", err)
	}

	var jwks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := c.fetchJSON(openID.JWKSURI, &jwks); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			logger.WarnCF("msteams", "Skipping malformed JWK", map[string]interface{}{
				"kid": k.Kid, "error": err.Error(),
			})
			continue
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = time.Now()
	logger.InfoCF("msteams", "Bot Framework signing keys refreshed", map[string]interface{}{
		"count": len(keys),
	})
	return nil
}

func (c *teamsKeyCache) fetchJSON(url string, out interface{}) error {
	resp, err := c.client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

// verifyTeamsToken validates the bearer JWT against the Bot Framework keys
// and checks the audience equals the configured app id.
func verifyTeamsToken(cfg *channel.BotChannelConfig, header http.Header) error {
	auth := header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return fmt.Errorf("%w: bearer token required", channel.ErrAuth)
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		return teamsKeys.key(kid)
	}, jwt.WithAudience(cfg.Credentials.AppID))
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrAuth, err)
	}
	if !token.Valid {
		return channel.ErrAuth
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decoder (Bot Framework activities)
// ---------------------------------------------------------------------------

type teamsActivity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
	From struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
	ServiceURL string          `json:"serviceUrl"`
	Value      json.RawMessage `json:"value"`
}

func decodeMSTeams(cfg *channel.BotChannelConfig, body []byte, header http.Header) (*Inbound, error) {
	if err := verifyTeamsToken(cfg, header); err != nil {
		return nil, err
	}

	var activity teamsActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrUnsupportedMessage, err)
	}

	switch activity.Type {
	case "message":
		text := strings.TrimSpace(activity.Text)
		if text == "" && len(activity.Value) > 0 {
			// Adaptive card submit actions arrive in value.
			text = InteractiveLiteral(string(activity.Value))
		}
		if text == "" {
			return &Inbound{Skip: true}, nil
		}
		return &Inbound{Message: &UserMessage{
			Bot:       cfg.Bot,
			Sender:    activity.From.ID,
			Channel:   cfg.Type,
			Text:      text,
			MessageID: activity.ID,
			Metadata: map[string]string{
				"conversation_id": activity.Conversation.ID,
				"service_url":     activity.ServiceURL,
				"from_name":       activity.From.Name,
			},
		}}, nil
	case "conversationUpdate", "messageReaction", "typing":
		return &Inbound{Skip: true}, nil
	default:
		return &Inbound{Skip: true}, nil
	}
}

// ---------------------------------------------------------------------------
// Encoder (Bot Framework reply activities)
// ---------------------------------------------------------------------------

var msteamsTemplates = &templateSet{
	channel: "msteams",
	templates: map[ElementType]msgTemplate{
		ElementText: {
			body: `{"type": "message", "text": "__TEXT__"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementParagraph: {
			body: `{"type": "message", "text": "__TEXT__", "textFormat": "markdown"}`,
			keys: map[string]string{"text": "__TEXT__"},
		},
		ElementImage: {
			body: `{"type": "message", "attachments": [{"contentType": "image/png", "contentUrl": "__URL__"}]}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementVideo: {
			body: `{"type": "message", "text": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementLink: {
			body: `{"type": "message", "text": "__URL__"}`,
			keys: map[string]string{"url": "__URL__"},
		},
		ElementButtons: {
			body: `{"type": "message", "attachments": [{"contentType": "application/vnd.microsoft.card.hero", "content": {"text": "__TEXT__", "buttons": "__BUTTONS__"}}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementQuickReply: {
			body: `{"type": "message", "attachments": [{"contentType": "application/vnd.microsoft.card.hero", "content": {"text": "__TEXT__", "buttons": "__BUTTONS__"}}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
		ElementDropdown: {
			body: `{"type": "message", "attachments": [{"contentType": "application/vnd.microsoft.card.hero", "content": {"text": "__TEXT__", "buttons": "__BUTTONS__"}}]}`,
			keys: map[string]string{"text": "__TEXT__", "buttons": "__BUTTONS__"},
		},
	},
	shapeButtons: func(buttons []Button) interface{} {
		out := make([]map[string]string, 0, len(buttons))
		for _, b := range buttons {
			out = append(out, map[string]string{
				"type": "imBack", "title": b.Title, "value": b.Payload,
			})
		}
		return out
	},
}

func encodeMSTeams(resp *Response) ([]map[string]interface{}, error) {
	return msteamsTemplates.Encode(resp)
}
