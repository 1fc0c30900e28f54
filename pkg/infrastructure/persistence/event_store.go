package persistence

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/event"
)

// eventRecordRow is the relational shape of an EventRecord.
type eventRecordRow struct {
	EventID   string `gorm:"primaryKey"`
	Class     string `gorm:"index:idx_event_bot_class"`
	Bot       string `gorm:"index:idx_event_bot_class"`
	User      string
	Data      string // JSON blob
	Status    string `gorm:"index"`
	StartedAt *time.Time
	EndedAt   *time.Time
	Result    string
	Exception string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (eventRecordRow) TableName() string { return "event_records" }

// broadcastRow is the relational shape of a MessageBroadcast.
type broadcastRow struct {
	ID            string `gorm:"primaryKey"`
	Bot           string `gorm:"index"`
	Name          string
	Connector     string
	BroadcastType string
	Recipients    string
	TemplateIDs   string // JSON array
	CronExp       string
	Timezone      string
	RetryCount    int
	Collection    string // JSON blob
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (broadcastRow) TableName() string { return "message_broadcasts" }

// ---------------------------------------------------------------------------
// EventStore
// ---------------------------------------------------------------------------

// EventStore persists EventRecord aggregates.
type EventStore struct {
	db *gorm.DB
}

var _ event.Repository = (*EventStore)(nil)

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Save(rec *event.EventRecord) error {
	data := ""
	if len(rec.Data) > 0 {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return err
		}
		data = string(raw)
	}
	return s.db.Save(&eventRecordRow{
		EventID:   rec.EventID,
		Class:     string(rec.Class),
		Bot:       rec.Bot,
		User:      rec.User,
		Data:      data,
		Status:    string(rec.Status),
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
		Result:    rec.Result,
		Exception: rec.Exception,
	}).Error
}

func (s *EventStore) Get(eventID string) (*event.EventRecord, error) {
	var row eventRecordRow
	if err := s.db.Where("event_id = ?", eventID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, event.ErrNotFound
		}
		return nil, err
	}
	return rowToRecord(&row)
}

func (s *EventStore) InProgress(bot string, class event.Class) (bool, error) {
	var count int64
	err := s.db.Model(&eventRecordRow{}).
		Where("bot = ? AND class = ? AND status IN ?",
			bot, string(class), []string{
				string(event.StatusEnqueued),
				string(event.StatusInitiated),
				string(event.StatusInProgress),
			}).
		Count(&count).Error
	return count > 0, err
}

func (s *EventStore) Delete(eventID string) error {
	return s.db.Where("event_id = ?", eventID).Delete(&eventRecordRow{}).Error
}

// CountSince counts records for (bot, class) created at or after the cutoff.
// Daily quota checks use midnight UTC as the cutoff.
func (s *EventStore) CountSince(bot string, class event.Class, since time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&eventRecordRow{}).
		Where("bot = ? AND class = ? AND created_at >= ?", bot, string(class), since).
		Count(&count).Error
	return count, err
}

func rowToRecord(row *eventRecordRow) (*event.EventRecord, error) {
	var data map[string]string
	if row.Data != "" {
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			return nil, err
		}
	}
	rec := &event.EventRecord{
		EventID:   row.EventID,
		Class:     event.Class(row.Class),
		Bot:       row.Bot,
		User:      row.User,
		Data:      data,
		Status:    event.Status(row.Status),
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
		Result:    row.Result,
		Exception: row.Exception,
	}
	rec.SetID(domain.EntityID(row.EventID))
	return rec, nil
}

// ---------------------------------------------------------------------------
// BroadcastStore
// ---------------------------------------------------------------------------

// BroadcastStore persists broadcast definitions.
type BroadcastStore struct {
	db *gorm.DB
}

var _ event.BroadcastRepository = (*BroadcastStore)(nil)

func NewBroadcastStore(db *gorm.DB) *BroadcastStore {
	return &BroadcastStore{db: db}
}

func (s *BroadcastStore) Save(b *event.Broadcast) error {
	if string(b.ID()) == "" {
		b.SetID(domain.NewID())
	}
	templates := ""
	if len(b.TemplateIDs) > 0 {
		raw, err := json.Marshal(b.TemplateIDs)
		if err != nil {
			return err
		}
		templates = string(raw)
	}
	collection := ""
	if len(b.Collection) > 0 {
		raw, err := json.Marshal(b.Collection)
		if err != nil {
			return err
		}
		collection = string(raw)
	}
	return s.db.Save(&broadcastRow{
		ID:            string(b.ID()),
		Bot:           b.Bot,
		Name:          b.Name,
		Connector:     b.Connector,
		BroadcastType: string(b.BroadcastType),
		Recipients:    b.Recipients,
		TemplateIDs:   templates,
		CronExp:       b.CronExp,
		Timezone:      b.Timezone,
		RetryCount:    b.RetryCount,
		Collection:    collection,
	}).Error
}

func (s *BroadcastStore) Get(bot, id string) (*event.Broadcast, error) {
	var row broadcastRow
	err := s.db.Where("bot = ? AND id = ?", bot, id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, event.ErrNotFound
		}
		return nil, err
	}
	b := &event.Broadcast{
		Bot:           row.Bot,
		Name:          row.Name,
		Connector:     row.Connector,
		BroadcastType: event.BroadcastType(row.BroadcastType),
		Recipients:    row.Recipients,
		CronExp:       row.CronExp,
		Timezone:      row.Timezone,
		RetryCount:    row.RetryCount,
	}
	if row.TemplateIDs != "" {
		if err := json.Unmarshal([]byte(row.TemplateIDs), &b.TemplateIDs); err != nil {
			return nil, err
		}
	}
	if row.Collection != "" {
		if err := json.Unmarshal([]byte(row.Collection), &b.Collection); err != nil {
			return nil, err
		}
	}
	b.SetID(domain.EntityID(row.ID))
	return b, nil
}

func (s *BroadcastStore) Delete(bot, id string) error {
	res := s.db.Where("bot = ? AND id = ?", bot, id).Delete(&broadcastRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return event.ErrNotFound
	}
	return nil
}
