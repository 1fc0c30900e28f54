// Package api exposes the public HTTP surface: channel webhooks, the
// event server and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kairon-chat/kairon/pkg/bus"
	"github.com/kairon-chat/kairon/pkg/channels"
	"github.com/kairon-chat/kairon/pkg/config"
	"github.com/kairon-chat/kairon/pkg/domain/channel"
	"github.com/kairon-chat/kairon/pkg/domain/event"
	"github.com/kairon-chat/kairon/pkg/events"
	"github.com/kairon-chat/kairon/pkg/infrastructure/quota"
	"github.com/kairon-chat/kairon/pkg/logger"
	"github.com/kairon-chat/kairon/pkg/scheduler"
)

// envelope is the admin-surface response shape.
type envelope struct {
	Success   bool        `json:"success"`
	ErrorCode int         `json:"error_code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data"`
}

// Server wires the HTTP surface to the platform components.
type Server struct {
	cfg         *config.Config
	configs     channel.ConfigRepository
	logs        channel.LogRepository
	bus         *bus.MessageBus
	quotas      *quota.Tracker
	definitions *events.Definitions
	executor    events.Executor
	records     event.Repository
	scheduler   *scheduler.Scheduler
	sender      *channels.Sender
	upgrader    websocket.Upgrader
	started     time.Time
}

// Deps carries the server's collaborators.
type Deps struct {
	Config      *config.Config
	Configs     channel.ConfigRepository
	Logs        channel.LogRepository
	Bus         *bus.MessageBus
	Quotas      *quota.Tracker
	Definitions *events.Definitions
	Executor    events.Executor
	Records     event.Repository
	Scheduler   *scheduler.Scheduler
	Sender      *channels.Sender
}

// NewServer builds the server and its routes.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:         deps.Config,
		configs:     deps.Configs,
		logs:        deps.Logs,
		bus:         deps.Bus,
		quotas:      deps.Quotas,
		definitions: deps.Definitions,
		executor:    deps.Executor,
		records:     deps.Records,
		scheduler:   deps.Scheduler,
		sender:      deps.Sender,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		started: time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Channel surface
	mux.HandleFunc("GET /api/channels/{channel}/{bot}/{token}", s.handleChannelValidate)
	mux.HandleFunc("POST /api/channels/{channel}/{bot}/{token}", s.handleChannelMessage)

	// Event server
	mux.HandleFunc("POST /api/events/execute/{event_class}", s.handleEventExecute)
	mux.HandleFunc("PUT /api/events/execute/{event_class}", s.handleScheduleUpdate)
	mux.HandleFunc("DELETE /api/events/{event_id}", s.handleScheduleDelete)

	// Operational surface
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/logs/stream", s.handleLogStream)

	return mux
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("api", "HTTP server listening", map[string]interface{}{
			"addr": addr,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeSuccess emits the admin envelope with success=true.
func writeSuccess(w http.ResponseWriter, message string, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

// writeFailure emits the admin envelope; validation failures default to 422.
func writeFailure(w http.ResponseWriter, status int, message string) {
	if status == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, envelope{Success: false, ErrorCode: status, Message: message})
}

// ---------------------------------------------------------------------------
// Operational endpoints
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, "status", map[string]interface{}{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"executor":       s.cfg.Events.Executor,
	})
}

// handleLogStream upgrades to a websocket and streams system events from
// the message bus. Slow consumers miss events rather than blocking the bus.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	tap := s.bus.SubscribeSystem("ws-" + uuid.NewString())
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-tap:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
