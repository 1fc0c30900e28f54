package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mymmrac/telego"
	"github.com/slack-go/slack"

	"github.com/kairon-chat/kairon/pkg/bus"
	"github.com/kairon-chat/kairon/pkg/channels"
	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/channel"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// maxWebhookBody caps an inbound webhook payload.
const maxWebhookBody = 1 << 20

// resolveChannelConfig loads the config addressed by the webhook path and
// checks the hash-bound URL token. The token check happens before any
// payload work so a mismatch never reaches the agent.
func (s *Server) resolveChannelConfig(w http.ResponseWriter, r *http.Request) (*channel.BotChannelConfig, domain.ChannelType, bool) {
	kind := domain.ChannelType(r.PathValue("channel"))
	bot := r.PathValue("bot")
	token := r.PathValue("token")

	if !kind.Valid() {
		writeFailure(w, http.StatusNotFound, "unknown channel")
		return nil, "", false
	}
	cfg, err := s.configs.Get(bot, kind)
	if err != nil {
		writeFailure(w, http.StatusNotFound, channel.ErrNotFound.Error())
		return nil, "", false
	}
	if !cfg.VerifyToken(token) {
		writeFailure(w, http.StatusUnauthorized, channel.ErrTokenMismatch.Error())
		return nil, "", false
	}
	return cfg, kind, true
}

// ---------------------------------------------------------------------------
// GET — channel-specific handshake
// ---------------------------------------------------------------------------

func (s *Server) handleChannelValidate(w http.ResponseWriter, r *http.Request) {
	cfg, kind, ok := s.resolveChannelConfig(w, r)
	if !ok {
		return
	}

	switch kind {
	case domain.ChannelWhatsApp, domain.ChannelMessenger, domain.ChannelInstagram:
		// Meta webhook subscription handshake.
		if r.URL.Query().Get("hub.verify_token") != cfg.Credentials.VerifyToken {
			writeFailure(w, http.StatusForbidden, channel.ErrAuth.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.URL.Query().Get("hub.challenge")))

	case domain.ChannelMSTeams:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case domain.ChannelSlack:
		if code := r.URL.Query().Get("code"); code != "" {
			s.installSlackWorkspace(w, r, cfg, code)
			return
		}
		w.WriteHeader(http.StatusOK)

	case domain.ChannelTelegram:
		s.validateTelegramBot(w, r.Context(), cfg)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// installSlackWorkspace exchanges an OAuth code and persists a non-primary
// config for the installed workspace. Multiple teams share the primary
// config's webhook URL.
func (s *Server) installSlackWorkspace(w http.ResponseWriter, r *http.Request, primary *channel.BotChannelConfig, code string) {
	resp, err := slack.GetOAuthV2Response(&http.Client{Timeout: 15 * time.Second},
		primary.Credentials.AppID, primary.Credentials.ClientSecret, code, "")
	if err != nil {
		logger.ErrorCF("api", "Slack OAuth exchange failed", map[string]interface{}{
			"bot": primary.Bot, "error": err.Error(),
		})
		writeFailure(w, http.StatusUnprocessableEntity, "slack oauth exchange failed")
		return
	}

	cfg, err := channel.NewBotChannelConfig(primary.Bot, domain.ChannelSlack, channel.Credentials{
		AccessToken:   resp.AccessToken,
		SigningSecret: primary.Credentials.SigningSecret,
	}, s.cfg.Gateway.TokenSecret)
	if err != nil {
		writeFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	cfg.TeamID = resp.Team.ID
	cfg.Primary = false
	if err := s.configs.Save(cfg); err != nil {
		writeFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	logger.InfoCF("api", "Slack workspace installed", map[string]interface{}{
		"bot": primary.Bot, "team": resp.Team.ID,
	})
	writeSuccess(w, "Slack app installed", map[string]string{"team_id": resp.Team.ID})
}

// validateTelegramBot confirms the stored token belongs to the configured
// bot username.
func (s *Server) validateTelegramBot(w http.ResponseWriter, ctx context.Context, cfg *channel.BotChannelConfig) {
	bot, err := telego.NewBot(cfg.Credentials.AccessToken)
	if err != nil {
		writeFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		writeFailure(w, http.StatusUnprocessableEntity, "telegram token rejected")
		return
	}
	if cfg.Credentials.BotUsername != "" && me.Username != cfg.Credentials.BotUsername {
		writeFailure(w, http.StatusUnprocessableEntity, "telegram bot username mismatch")
		return
	}
	writeSuccess(w, "valid", map[string]string{"username": me.Username})
}

// ---------------------------------------------------------------------------
// POST — inbound messages
// ---------------------------------------------------------------------------

func (s *Server) handleChannelMessage(w http.ResponseWriter, r *http.Request) {
	cfg, kind, ok := s.resolveChannelConfig(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.ack(w)
		return
	}

	codec, err := channels.For(kind)
	if err != nil {
		s.ack(w)
		return
	}
	inbound, err := codec.Decode(cfg, body, r.Header)
	if err != nil {
		if errors.Is(err, channel.ErrAuth) {
			writeFailure(w, http.StatusUnauthorized, channel.ErrAuth.Error())
			return
		}
		// Everything else is logged and ACKed; provider retries are worse
		// than a recorded failure.
		logger.WarnCF("api", "Webhook decode failed", map[string]interface{}{
			"bot": cfg.Bot, "channel": string(kind), "error": err.Error(),
		})
		s.appendLog(channel.ChannelLog{
			Bot: cfg.Bot, Type: kind, Direction: channel.DirectionInbound,
			Status: channel.StatusFailed, Errors: []string{err.Error()},
			Timestamp: time.Now().UTC(),
		})
		s.ack(w)
		return
	}

	if inbound.Retry {
		// Slack redelivery; the first delivery was already handled.
		w.Header().Set("X-Slack-No-Retry", "1")
		w.WriteHeader(http.StatusCreated)
		return
	}

	// Slack URL verification echoes the challenge.
	if inbound.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": inbound.Challenge})
		return
	}

	for _, status := range inbound.Statuses {
		s.appendLog(channel.ChannelLog{
			Bot:       cfg.Bot,
			Type:      kind,
			Sender:    status.Recipient,
			MessageID: status.MessageID,
			Direction: channel.DirectionOutbound,
			Status:    channel.LogStatus(status.Status),
			Initiator: status.Initiator,
			Errors:    status.Errors,
			Timestamp: time.Now().UTC(),
		})
	}

	if inbound.Skip || inbound.Message == nil {
		s.ack(w)
		return
	}
	um := inbound.Message

	if s.quotas != nil {
		seen, err := s.quotas.Seen(r.Context(), um.Bot, um.MessageID)
		if err != nil {
			logger.WarnCF("api", "Dedup check failed", map[string]interface{}{
				"bot": um.Bot, "error": err.Error(),
			})
		} else if seen {
			s.ack(w)
			return
		}
	}

	s.appendLog(channel.ChannelLog{
		Bot:       um.Bot,
		Type:      kind,
		Sender:    um.Sender,
		MessageID: um.MessageID,
		Direction: channel.DirectionInbound,
		Status:    channel.StatusCaptured,
		Payload:   um.Text,
		Timestamp: time.Now().UTC(),
	})

	if kind == domain.ChannelWhatsApp && um.MessageID != "" {
		// Mark read before replying; the reply does not wait for the ack.
		go func(messageID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.sender.MarkRead(ctx, cfg, messageID); err != nil {
				logger.DebugCF("api", "Mark-read failed", map[string]interface{}{
					"bot": cfg.Bot, "message_id": messageID, "error": err.Error(),
				})
			}
		}(um.MessageID)
	}

	s.bus.PublishInbound(bus.InboundMessage{
		Message:  um,
		Config:   cfg,
		ConfigID: string(cfg.ID()),
	})
	s.ack(w)
}

// ack returns the provider-expected success response.
func (s *Server) ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) appendLog(entry channel.ChannelLog) {
	if s.logs == nil {
		return
	}
	if err := s.logs.Append(entry); err != nil {
		logger.WarnCF("api", "Channel log append failed", map[string]interface{}{
			"bot": entry.Bot, "error": err.Error(),
		})
	}
}
