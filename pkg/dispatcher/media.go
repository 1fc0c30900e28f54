package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/channel"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// maxMediaBytes caps a single download. Provider media above this size is
// rejected rather than buffered.
const maxMediaBytes = 64 << 20

// MediaStore downloads provider-hosted media and persists it locally.
// WhatsApp media URLs expire minutes after delivery, so persistence happens
// before the agent turn.
type MediaStore struct {
	dir    string
	httpc  *http.Client
	apiURL string
}

// NewMediaStore creates a store rooted at dir.
func NewMediaStore(dir string) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &MediaStore{
		dir:    dir,
		httpc:  &http.Client{Timeout: 60 * time.Second},
		apiURL: "https://graph.facebook.com/v19.0",
	}, nil
}

// Persist resolves a media id through the provider API, downloads the
// content and returns the local file path.
func (m *MediaStore) Persist(ctx context.Context, cfg *channel.BotChannelConfig, mediaID string) (string, error) {
	switch cfg.Type {
	case domain.ChannelWhatsApp, domain.ChannelMessenger, domain.ChannelInstagram:
	default:
		return "", fmt.Errorf("media persistence not supported for %s", cfg.Type)
	}

	url, mime, err := m.resolve(ctx, cfg.Credentials.AccessToken, mediaID)
	if err != nil {
		return "", err
	}

	name := uuid.NewString() + extensionFor(mime)
	path := filepath.Join(m.dir, cfg.Bot, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := m.download(ctx, cfg.Credentials.AccessToken, url, path); err != nil {
		return "", err
	}

	logger.DebugCF("dispatcher", "Media persisted", map[string]interface{}{
		"bot": cfg.Bot, "media_id": mediaID, "path": path,
	})
	return path, nil
}

// resolve exchanges a media id for a short-lived download URL.
func (m *MediaStore) resolve(ctx context.Context, token, mediaID string) (url, mime string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiURL+"/"+mediaID, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("media lookup returned %d", resp.StatusCode)
	}
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", "", err
	}
	return meta.URL, meta.MimeType, nil
}

func (m *MediaStore) download(ctx context.Context, token, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media download returned %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, io.LimitReader(resp.Body, maxMediaBytes))
	return err
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}
