package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/event"
	"github.com/kairon-chat/kairon/pkg/events"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// eventRequest is the event server's wire shape. run_at is epoch seconds.
type eventRequest struct {
	EventID  string            `json:"event_id,omitempty"`
	Bot      string            `json:"bot,omitempty"`
	User     string            `json:"user,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	CronExp  string            `json:"cron_exp,omitempty"`
	RunAt    int64             `json:"run_at,omitempty"`
	Timezone string            `json:"timezone,omitempty"`
}

func isScheduled(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("is_scheduled"), "true")
}

func (req *eventRequest) scheduleEntry(class event.Class) *event.ScheduleEntry {
	entry := &event.ScheduleEntry{
		EventID:  req.EventID,
		Class:    class,
		CronExp:  req.CronExp,
		Timezone: req.Timezone,
		Data:     req.Data,
	}
	if entry.EventID == "" {
		entry.EventID = string(domain.NewID())
	}
	if req.RunAt > 0 {
		t := time.Unix(req.RunAt, 0).UTC()
		entry.RunAt = &t
	}
	return entry
}

// handleEventExecute accepts an immediate or scheduled event invocation.
func (s *Server) handleEventExecute(w http.ResponseWriter, r *http.Request) {
	class := event.Class(r.PathValue("event_class"))
	if !class.Valid() {
		writeFailure(w, 0, event.ErrInvalidClass.Error())
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, 0, "invalid request body")
		return
	}

	if isScheduled(r) {
		entry := req.scheduleEntry(class)
		if err := s.scheduler.Add(entry); err != nil {
			writeFailure(w, 0, err.Error())
			return
		}
		message := "Event Scheduled!"
		if entry.Recurring() {
			message = "Recurring Event Scheduled!"
		}
		writeSuccess(w, message, map[string]string{"event_id": entry.EventID})
		return
	}

	// Immediate execution: mark the enqueued record as accepted and hand it
	// to the executor backend.
	payload := &events.Payload{
		EventID: req.EventID,
		Class:   class,
		Bot:     req.Bot,
		User:    req.User,
		Data:    req.Data,
	}
	if err := s.acceptEvent(r, payload); err != nil {
		writeFailure(w, 0, err.Error())
		return
	}
	writeSuccess(w, "Event Triggered!", map[string]string{"event_id": payload.EventID})
}

func (s *Server) acceptEvent(r *http.Request, payload *events.Payload) error {
	if payload.EventID != "" && s.records != nil {
		if rec, err := s.records.Get(payload.EventID); err == nil {
			if err := rec.MarkInitiated(); err == nil {
				if err := s.records.Save(rec); err != nil {
					return err
				}
			}
		}
	}
	if err := s.executor.Submit(r.Context(), payload); err != nil {
		logger.ErrorCF("api", "Event submission failed", map[string]interface{}{
			"event_id": payload.EventID, "class": string(payload.Class), "error": err.Error(),
		})
		return err
	}
	logger.InfoCF("api", "Event accepted", map[string]interface{}{
		"event_id": payload.EventID, "class": string(payload.Class), "bot": payload.Bot,
	})
	return nil
}

// handleScheduleUpdate atomically replaces a stored schedule.
func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	class := event.Class(r.PathValue("event_class"))
	if !class.Valid() {
		writeFailure(w, 0, event.ErrInvalidClass.Error())
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, 0, "invalid request body")
		return
	}
	if req.EventID == "" {
		writeFailure(w, 0, "event_id is required")
		return
	}

	if err := s.scheduler.Update(req.scheduleEntry(class)); err != nil {
		status := 0
		if errors.Is(err, event.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeFailure(w, status, err.Error())
		return
	}
	writeSuccess(w, "Schedule updated!", map[string]string{"event_id": req.EventID})
}

// handleScheduleDelete removes a schedule. Idempotent: deleting an absent
// schedule also succeeds.
func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("event_id")
	if err := s.scheduler.Delete(eventID); err != nil {
		writeFailure(w, 0, err.Error())
		return
	}
	writeSuccess(w, "Schedule removed!", map[string]string{"event_id": eventID})
}
