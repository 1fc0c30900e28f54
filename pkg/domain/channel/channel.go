// Package channel defines the Channel bounded context: per-bot provider
// configurations and the append-only delivery log.
package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/kairon-chat/kairon/pkg/domain"
)

// ---------------------------------------------------------------------------
// BotChannelConfig aggregate root
// ---------------------------------------------------------------------------

// BSPType distinguishes WhatsApp business service providers.
type BSPType string

const (
	BSPMetaCloud BSPType = "meta_cloud"
	BSP360Dialog BSPType = "360dialog"
)

// Credentials holds the provider-specific secrets for one channel config.
type Credentials struct {
	AccessToken   string `json:"access_token,omitempty"`
	AppSecret     string `json:"app_secret,omitempty"`
	VerifyToken   string `json:"verify_token,omitempty"`
	SigningSecret string `json:"signing_secret,omitempty"`
	BotUsername   string `json:"bot_username,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	AppID         string `json:"app_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	ServiceURL    string `json:"service_url,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
}

// BotChannelConfig is the aggregate root for one (bot, channel) binding.
// Uniqueness: (bot, type), extended by BSP for whatsapp and by team id for
// slack. At most one primary slack config exists per bot.
type BotChannelConfig struct {
	domain.AggregateRoot

	Bot         string             `json:"bot"`
	Type        domain.ChannelType `json:"type"`
	Credentials Credentials        `json:"credentials"`
	BSP         BSPType            `json:"bsp,omitempty"`
	TeamID      string             `json:"team_id,omitempty"`
	Primary     bool               `json:"primary"`

	// ConnectorHash binds the webhook URL token to this config.
	ConnectorHash string `json:"connector_hash"`

	CreatedAt domain.Timestamp `json:"created_at"`
	UpdatedAt domain.Timestamp `json:"updated_at"`
}

// NewBotChannelConfig creates a config with a freshly derived URL token.
func NewBotChannelConfig(bot string, kind domain.ChannelType, creds Credentials, tokenSecret string) (*BotChannelConfig, error) {
	if bot == "" {
		return nil, ErrEmptyBot
	}
	if !kind.Valid() {
		return nil, ErrInvalidChannelType
	}
	cfg := &BotChannelConfig{
		Bot:         bot,
		Type:        kind,
		Credentials: creds,
		Primary:     kind == domain.ChannelSlack,
		CreatedAt:   domain.Now(),
		UpdatedAt:   domain.Now(),
	}
	cfg.SetID(domain.NewID())
	cfg.ConnectorHash = DeriveToken(bot, kind, string(cfg.ID()), tokenSecret)
	return cfg, nil
}

// DeriveToken computes the hash-bound webhook URL token for a config.
// The token commits to bot, channel kind and the config identity, so a
// leaked token for one channel cannot address another.
func DeriveToken(bot string, kind domain.ChannelType, configID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(bot))
	mac.Write([]byte{'|'})
	mac.Write([]byte(kind))
	mac.Write([]byte{'|'})
	mac.Write([]byte(configID))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// VerifyToken compares a presented URL token against the stored hash in
// constant time.
func (c *BotChannelConfig) VerifyToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.ConnectorHash)) == 1
}

// Touch updates the modification timestamp.
func (c *BotChannelConfig) Touch() { c.UpdatedAt = domain.Now() }

// ---------------------------------------------------------------------------
// ChannelLog — append-only delivery trail
// ---------------------------------------------------------------------------

// LogStatus is the provider-reported delivery state of one message.
type LogStatus string

const (
	StatusSent      LogStatus = "sent"
	StatusDelivered LogStatus = "delivered"
	StatusRead      LogStatus = "read"
	StatusFailed    LogStatus = "failed"
	StatusCaptured  LogStatus = "captured"
)

// Direction distinguishes inbound from outbound log entries.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChannelLog is one entry in the append-only trail. A later status for the
// same message id extends the trail; prior entries are never rewritten.
type ChannelLog struct {
	Bot       string             `json:"bot"`
	Type      domain.ChannelType `json:"type"`
	Sender    string             `json:"sender"`
	MessageID string             `json:"message_id"`
	Direction Direction          `json:"direction"`
	Status    LogStatus          `json:"status"`
	Initiator string             `json:"initiator,omitempty"`
	Payload   string             `json:"payload,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Repository ports
// ---------------------------------------------------------------------------

// ConfigRepository defines persistence for BotChannelConfig aggregates.
type ConfigRepository interface {
	// Get resolves the config for (bot, kind). For slack this returns the
	// primary config.
	Get(bot string, kind domain.ChannelType) (*BotChannelConfig, error)
	// GetByTeam resolves a slack config installed for a workspace.
	GetByTeam(bot, teamID string) (*BotChannelConfig, error)
	// Save persists a config, enforcing the uniqueness invariant.
	Save(cfg *BotChannelConfig) error
	// Delete removes a config.
	Delete(bot string, kind domain.ChannelType) error
}

// LogRepository appends to and reads the delivery trail.
type LogRepository interface {
	Append(entry ChannelLog) error
	Trail(bot, messageID string) ([]ChannelLog, error)
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

// Error is a typed error for the channel domain.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrEmptyBot           Error = "bot id cannot be empty"
	ErrInvalidChannelType Error = "invalid channel type"
	ErrNotFound           Error = "channel config not found"
	ErrTokenMismatch      Error = "webhook token mismatch"
	ErrDuplicatePrimary   Error = "bot already has a primary slack config"
	ErrAuth               Error = "signature verification failed"
	ErrUnsupportedMessage Error = "unsupported message payload"
)
