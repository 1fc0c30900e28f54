package persistence

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// channelConfigRow is the relational shape of a BotChannelConfig.
type channelConfigRow struct {
	ID            string `gorm:"primaryKey"`
	Bot           string `gorm:"index:idx_bot_type"`
	Type          string `gorm:"index:idx_bot_type"`
	BSP           string
	TeamID        string `gorm:"index"`
	IsPrimary     bool
	Credentials   string // JSON blob, encrypted at rest by the database layer
	ConnectorHash string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (channelConfigRow) TableName() string { return "bot_channel_configs" }

// channelLogRow is one append-only delivery trail entry.
type channelLogRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Bot       string `gorm:"index:idx_log_bot_msg"`
	Type      string
	Sender    string
	MessageID string `gorm:"index:idx_log_bot_msg"`
	Direction string
	Status    string
	Initiator string
	Payload   string
	Errors    string // JSON array
	Timestamp time.Time
}

func (channelLogRow) TableName() string { return "channel_logs" }

// ---------------------------------------------------------------------------
// ConfigStore
// ---------------------------------------------------------------------------

// ConfigStore persists BotChannelConfig aggregates.
type ConfigStore struct {
	db *gorm.DB
}

var _ channel.ConfigRepository = (*ConfigStore)(nil)

func NewConfigStore(db *gorm.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

func (s *ConfigStore) Get(bot string, kind domain.ChannelType) (*channel.BotChannelConfig, error) {
	q := s.db.Where("bot = ? AND type = ?", bot, string(kind))
	if kind == domain.ChannelSlack {
		q = q.Where("is_primary = ?", true)
	}
	var row channelConfigRow
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, channel.ErrNotFound
		}
		return nil, err
	}
	return rowToConfig(&row)
}

func (s *ConfigStore) GetByTeam(bot, teamID string) (*channel.BotChannelConfig, error) {
	var row channelConfigRow
	err := s.db.Where("bot = ? AND type = ? AND team_id = ?",
		bot, string(domain.ChannelSlack), teamID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, channel.ErrNotFound
		}
		return nil, err
	}
	return rowToConfig(&row)
}

// Save upserts a config. The (bot, type) pair is unique, widened by BSP for
// whatsapp and by team id for slack; at most one primary slack config may
// exist per bot.
func (s *ConfigStore) Save(cfg *channel.BotChannelConfig) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if cfg.Type == domain.ChannelSlack && cfg.Primary {
			var count int64
			err := tx.Model(&channelConfigRow{}).
				Where("bot = ? AND type = ? AND is_primary = ? AND id <> ?",
					cfg.Bot, string(cfg.Type), true, string(cfg.ID())).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return channel.ErrDuplicatePrimary
			}
		}

		// Re-registering the same binding replaces the stored credentials.
		q := tx.Where("bot = ? AND type = ?", cfg.Bot, string(cfg.Type))
		switch cfg.Type {
		case domain.ChannelWhatsApp:
			q = q.Where("bsp = ?", string(cfg.BSP))
		case domain.ChannelSlack:
			q = q.Where("team_id = ?", cfg.TeamID)
		}
		var existing channelConfigRow
		if err := q.First(&existing).Error; err == nil {
			cfg.SetID(domain.EntityID(existing.ID))
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		row, err := configToRow(cfg)
		if err != nil {
			return err
		}
		return tx.Save(row).Error
	})
}

func (s *ConfigStore) Delete(bot string, kind domain.ChannelType) error {
	res := s.db.Where("bot = ? AND type = ?", bot, string(kind)).
		Delete(&channelConfigRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return channel.ErrNotFound
	}
	return nil
}

func configToRow(cfg *channel.BotChannelConfig) (*channelConfigRow, error) {
	creds, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	return &channelConfigRow{
		ID:            string(cfg.ID()),
		Bot:           cfg.Bot,
		Type:          string(cfg.Type),
		BSP:           string(cfg.BSP),
		TeamID:        cfg.TeamID,
		IsPrimary:     cfg.Primary,
		Credentials:   string(creds),
		ConnectorHash: cfg.ConnectorHash,
		CreatedAt:     cfg.CreatedAt.Time,
		UpdatedAt:     cfg.UpdatedAt.Time,
	}, nil
}

func rowToConfig(row *channelConfigRow) (*channel.BotChannelConfig, error) {
	var creds channel.Credentials
	if row.Credentials != "" {
		if err := json.Unmarshal([]byte(row.Credentials), &creds); err != nil {
			return nil, err
		}
	}
	cfg := &channel.BotChannelConfig{
		Bot:           row.Bot,
		Type:          domain.ChannelType(row.Type),
		Credentials:   creds,
		BSP:           channel.BSPType(row.BSP),
		TeamID:        row.TeamID,
		Primary:       row.IsPrimary,
		ConnectorHash: row.ConnectorHash,
		CreatedAt:     domain.TimestampFrom(row.CreatedAt),
		UpdatedAt:     domain.TimestampFrom(row.UpdatedAt),
	}
	cfg.SetID(domain.EntityID(row.ID))
	return cfg, nil
}

// ---------------------------------------------------------------------------
// LogStore
// ---------------------------------------------------------------------------

// LogStore appends to and reads the delivery trail. Entries are never
// updated in place.
type LogStore struct {
	db *gorm.DB
}

var _ channel.LogRepository = (*LogStore)(nil)

func NewLogStore(db *gorm.DB) *LogStore {
	return &LogStore{db: db}
}

func (s *LogStore) Append(entry channel.ChannelLog) error {
	errs := ""
	if len(entry.Errors) > 0 {
		raw, err := json.Marshal(entry.Errors)
		if err != nil {
			return err
		}
		errs = string(raw)
	}
	return s.db.Create(&channelLogRow{
		Bot:       entry.Bot,
		Type:      string(entry.Type),
		Sender:    entry.Sender,
		MessageID: entry.MessageID,
		Direction: string(entry.Direction),
		Status:    string(entry.Status),
		Initiator: entry.Initiator,
		Payload:   entry.Payload,
		Errors:    errs,
		Timestamp: entry.Timestamp,
	}).Error
}

func (s *LogStore) Trail(bot, messageID string) ([]channel.ChannelLog, error) {
	var rows []channelLogRow
	err := s.db.Where("bot = ? AND message_id = ?", bot, messageID).
		Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	trail := make([]channel.ChannelLog, 0, len(rows))
	for _, row := range rows {
		var errs []string
		if row.Errors != "" {
			if err := json.Unmarshal([]byte(row.Errors), &errs); err != nil {
				return nil, err
			}
		}
		trail = append(trail, channel.ChannelLog{
			Bot:       row.Bot,
			Type:      domain.ChannelType(row.Type),
			Sender:    row.Sender,
			MessageID: row.MessageID,
			Direction: channel.Direction(row.Direction),
			Status:    channel.LogStatus(row.Status),
			Initiator: row.Initiator,
			Payload:   row.Payload,
			Errors:    errs,
			Timestamp: row.Timestamp,
		})
	}
	return trail, nil
}
