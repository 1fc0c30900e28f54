package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/slack-go/slack"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/channel"
	"github.com/kairon-chat/kairon/pkg/logger"
)

const (
	graphBaseURL     = "https://graph.facebook.com/v19.0"
	lineAPIBaseURL   = "https://api.line.me/v2/bot"
	hangoutsBaseURL  = "https://chat.googleapis.com/v1"
	teamsTokenURL    = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	teamsTokenScope  = "https://api.botframework.com/.default"
	sendTimeout      = 30 * time.Second
	maxSendAttempts  = 3
	sendBackoffBase  = time.Second
)

// Sender delivers encoded responses through each provider's reply API.
// Transport errors are retried with exponential backoff; 4xx responses are
// logged and not retried. Sends are rate limited per bot.
type Sender struct {
	httpc *http.Client
	logs  channel.LogRepository

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	teamsTok map[string]oauth2.TokenSource
}

// NewSender creates a sender that appends delivery results to logs.
func NewSender(logs channel.LogRepository) *Sender {
	return &Sender{
		httpc:    &http.Client{Timeout: sendTimeout},
		logs:     logs,
		limiters: make(map[string]*rate.Limiter),
		teamsTok: make(map[string]oauth2.TokenSource),
	}
}

// limiter returns the per-bot outbound rate limiter.
func (s *Sender) limiter(bot string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[bot]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(10), 20)
		s.limiters[bot] = lim
	}
	return lim
}

// Send encodes and delivers a generic response through the channel bound to
// cfg. Elements are sent in declaration order.
func (s *Sender) Send(ctx context.Context, cfg *channel.BotChannelConfig, resp *Response) error {
	codec, err := For(cfg.Type)
	if err != nil {
		return err
	}
	payloads, err := codec.Encode(resp)
	if err != nil {
		return err
	}

	if err := s.limiter(cfg.Bot).Wait(ctx); err != nil {
		return err
	}

	var sendErr error
	switch cfg.Type {
	case domain.ChannelWhatsApp:
		sendErr = s.sendWhatsApp(ctx, cfg, resp.Recipient, payloads)
	case domain.ChannelMessenger, domain.ChannelInstagram:
		sendErr = s.sendMessenger(ctx, cfg, resp.Recipient, payloads)
	case domain.ChannelSlack:
		sendErr = s.sendSlack(ctx, cfg, resp.Recipient, payloads)
	case domain.ChannelTelegram:
		sendErr = s.sendTelegram(ctx, cfg, resp.Recipient, payloads)
	case domain.ChannelHangouts:
		sendErr = s.sendHangouts(ctx, cfg, resp.Recipient, payloads)
	case domain.ChannelMSTeams:
		sendErr = s.sendMSTeams(ctx, cfg, resp.Recipient, payloads)
	case domain.ChannelLine:
		sendErr = s.sendLine(ctx, cfg, resp.Recipient, payloads)
	default:
		sendErr = fmt.Errorf("%w: %s", channel.ErrInvalidChannelType, cfg.Type)
	}

	status := channel.StatusSent
	var errs []string
	if sendErr != nil {
		status = channel.StatusFailed
		errs = []string{sendErr.Error()}
	}
	if s.logs != nil {
		_ = s.logs.Append(channel.ChannelLog{
			Bot:       cfg.Bot,
			Type:      cfg.Type,
			Sender:    resp.Recipient,
			Direction: channel.DirectionOutbound,
			Status:    status,
			Initiator: "business_initiated",
			Errors:    errs,
			Timestamp: time.Now().UTC(),
		})
	}
	return sendErr
}

// MarkRead flags an inbound WhatsApp message as read. The reply is sent
// right after without awaiting this ack.
func (s *Sender) MarkRead(ctx context.Context, cfg *channel.BotChannelConfig, messageID string) error {
	if cfg.Type != domain.ChannelWhatsApp {
		return nil
	}
	url := fmt.Sprintf("%s/%s/messages", graphBaseURL, cfg.Credentials.PhoneNumberID)
	body := map[string]interface{}{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	return s.postJSON(ctx, url, map[string]string{
		"Authorization": "Bearer " + cfg.Credentials.AccessToken,
	}, body)
}

// ---------------------------------------------------------------------------
// Per-provider delivery
// ---------------------------------------------------------------------------

func (s *Sender) sendWhatsApp(ctx context.Context, cfg *channel.BotChannelConfig, to string, payloads []map[string]interface{}) error {
	url := fmt.Sprintf("%s/%s/messages", graphBaseURL, cfg.Credentials.PhoneNumberID)
	headers := map[string]string{"Authorization": "Bearer " + cfg.Credentials.AccessToken}
	for _, p := range payloads {
		body := map[string]interface{}{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                to,
		}
		for k, v := range p {
			body[k] = v
		}
		if err := s.postJSON(ctx, url, headers, body); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendMessenger(ctx context.Context, cfg *channel.BotChannelConfig, to string, payloads []map[string]interface{}) error {
	url := fmt.Sprintf("%s/me/messages?access_token=%s", graphBaseURL, cfg.Credentials.AccessToken)
	for _, p := range payloads {
		body := map[string]interface{}{
			"recipient": map[string]string{"id": to},
			"message":   p,
		}
		if err := s.postJSON(ctx, url, nil, body); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendSlack(ctx context.Context, cfg *channel.BotChannelConfig, to string, payloads []map[string]interface{}) error {
	api := slack.New(cfg.Credentials.AccessToken, slack.OptionHTTPClient(s.httpc))
	for _, p := range payloads {
		opts := []slack.MsgOption{}
		if text, ok := p["text"].(string); ok && text != "" {
			opts = append(opts, slack.MsgOptionText(text, false))
		}
		if rawBlocks, ok := p["blocks"]; ok {
			// slack.Blocks knows how to unmarshal the wire shape the
			// encoder produced.
			enc, err := json.Marshal(map[string]interface{}{"blocks": rawBlocks})
			if err != nil {
				return err
			}
			var msg struct {
				Blocks slack.Blocks `json:"blocks"`
			}
			if err := json.Unmarshal(enc, &msg); err != nil {
				return fmt.Errorf("slack blocks: %w", err)
			}
			opts = append(opts, slack.MsgOptionBlocks(msg.Blocks.BlockSet...))
		}
		err := withSendRetries(ctx, func() error {
			_, _, err := api.PostMessageContext(ctx, to, opts...)
			return err
		})
		if err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
	}
	return nil
}

func (s *Sender) sendTelegram(ctx context.Context, cfg *channel.BotChannelConfig, to string, payloads []map[string]interface{}) error {
	bot, err := telego.NewBot(cfg.Credentials.AccessToken, telego.WithHTTPClient(s.httpc))
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", to, err)
	}

	for _, p := range payloads {
		method, _ := p["method"].(string)
		var markup *telego.InlineKeyboardMarkup
		if raw, ok := p["reply_markup"]; ok {
			enc, _ := json.Marshal(raw)
			markup = &telego.InlineKeyboardMarkup{}
			if err := json.Unmarshal(enc, markup); err != nil {
				return fmt.Errorf("telegram reply markup: %w", err)
			}
		}

		err := withSendRetries(ctx, func() error {
			switch method {
			case "sendPhoto":
				params := &telego.SendPhotoParams{
					ChatID: telego.ChatID{ID: chatID},
					Photo:  telego.InputFile{URL: str(p["photo"])},
				}
				if c := str(p["caption"]); c != "" {
					params.Caption = c
				}
				_, err := bot.SendPhoto(ctx, params)
				return err
			case "sendVideo":
				_, err := bot.SendVideo(ctx, &telego.SendVideoParams{
					ChatID: telego.ChatID{ID: chatID},
					Video:  telego.InputFile{URL: str(p["video"])},
				})
				return err
			default:
				params := &telego.SendMessageParams{
					ChatID:    telego.ChatID{ID: chatID},
					Text:      str(p["text"]),
					ParseMode: str(p["parse_mode"]),
				}
				if markup != nil {
					params.ReplyMarkup = markup
				}
				_, err := bot.SendMessage(ctx, params)
				return err
			}
		})
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (s *Sender) sendHangouts(ctx context.Context, cfg *channel.BotChannelConfig, space string, payloads []map[string]interface{}) error {
	// The stored access token authorises the Chat app; oauth2 handles
	// header injection.
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Credentials.AccessToken})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = sendTimeout
	url := fmt.Sprintf("%s/%s/messages", hangoutsBaseURL, space)
	for _, p := range payloads {
		if err := postJSONWith(ctx, client, url, nil, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendMSTeams(ctx context.Context, cfg *channel.BotChannelConfig, conversation string, payloads []map[string]interface{}) error {
	s.mu.Lock()
	src, ok := s.teamsTok[string(cfg.ID())]
	if !ok {
		cc := &clientcredentials.Config{
			ClientID:     cfg.Credentials.AppID,
			ClientSecret: cfg.Credentials.ClientSecret,
			TokenURL:     teamsTokenURL,
			Scopes:       []string{teamsTokenScope},
		}
		src = cc.TokenSource(context.Background())
		s.teamsTok[string(cfg.ID())] = src
	}
	s.mu.Unlock()

	client := oauth2.NewClient(ctx, src)
	client.Timeout = sendTimeout
	url := fmt.Sprintf("%s/v3/conversations/%s/activities", cfg.Credentials.ServiceURL, conversation)
	for _, p := range payloads {
		if err := postJSONWith(ctx, client, url, nil, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendLine(ctx context.Context, cfg *channel.BotChannelConfig, to string, payloads []map[string]interface{}) error {
	body := map[string]interface{}{
		"to":       to,
		"messages": payloads,
	}
	return s.postJSON(ctx, lineAPIBaseURL+"/message/push", map[string]string{
		"Authorization": "Bearer " + cfg.Credentials.AccessToken,
	}, body)
}

// ---------------------------------------------------------------------------
// HTTP helpers with the shared retry policy
// ---------------------------------------------------------------------------

func (s *Sender) postJSON(ctx context.Context, url string, headers map[string]string, body interface{}) error {
	return postJSONWith(ctx, s.httpc, url, headers, body)
}

func postJSONWith(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return withSendRetries(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			logger.WarnCF("sender", "Provider rejected message", map[string]interface{}{
				"url": url, "status": resp.StatusCode,
			})
			return &permanentError{status: resp.StatusCode}
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("provider returned %d", resp.StatusCode)
		}
		return nil
	})
}

// permanentError marks a non-retryable provider rejection.
type permanentError struct{ status int }

func (e *permanentError) Error() string {
	return fmt.Sprintf("provider rejected request with status %d", e.status)
}

// withSendRetries applies the outbound retry policy: up to three attempts
// with exponential backoff, 4xx never retried.
func withSendRetries(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(sendBackoffBase << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return err
		}
	}
	return err
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
