// Package server exposes HTTP handlers: message submission, history sync,
// and health checks.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Submitter accepts messages for asynchronous routing.
type Submitter interface {
	Submit(msg chat.Message) error
}

// API serves the request/response endpoints of the routing core.
type API struct {
	sessions       Authenticator
	dispatcher     Submitter
	history        chat.HistoryReader
	limiter        *submitLimiter
	validate       *validator.Validate
	maxMessageSize int64
	log            *slog.Logger
	metrics        *Metrics
}

// NewAPI creates the HTTP API.
func NewAPI(
	sessions Authenticator,
	dispatcher Submitter,
	history chat.HistoryReader,
	cfg Config,
	log *slog.Logger,
	metrics *Metrics,
) *API {
	return &API{
		sessions:       sessions,
		dispatcher:     dispatcher,
		history:        history,
		limiter:        newSubmitLimiter(cfg.RateLimit()),
		validate:       validator.New(),
		maxMessageSize: int64(cfg.MaxMessageSize),
		log:            log.With("component", "api"),
		metrics:        metrics,
	}
}

// SubmitHandler validates the session, stamps the message with the sender
// and the current time, and hands it to the dispatcher. A successful
// response only means the message was queued.
func (a *API) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed. Message endpoint only accepts POST requests.", http.StatusMethodNotAllowed)
		return
	}

	var req chat.SubmitRequest
	if err := a.decode(w, r, &req); err != nil {
		a.log.Debug("rejecting malformed submit request", "remote", r.RemoteAddr, "error", err)
		writeJSON(w, http.StatusBadRequest, chat.SubmitResponse{State: chat.StateOtherError})
		return
	}

	user, ok := a.sessions.Authenticate(*req.Session)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, chat.SubmitResponse{State: chat.StateWrongToken})
		return
	}

	if !a.limiter.allow(user) {
		a.metrics.rejected.WithLabelValues(reasonRateLimited).Inc()
		writeJSON(w, http.StatusTooManyRequests, chat.SubmitResponse{State: chat.StateServerBusy})
		return
	}

	msg := chat.NewMessage(req.MessageType, user, req.ReceiverID, req.Content)
	if err := a.dispatcher.Submit(msg); err != nil {
		if !errors.Is(err, chat.ErrServerBusy) && !errors.Is(err, chat.ErrDispatcherStopped) {
			a.log.Error("submit failed", "user", user, "error", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, chat.SubmitResponse{State: chat.StateServerBusy})
		return
	}

	writeJSON(w, http.StatusOK, chat.SubmitResponse{State: chat.StateOk})
}

// SyncHandler returns the stored history visible to the session's user.
func (a *API) SyncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed. Sync endpoint only accepts POST requests.", http.StatusMethodNotAllowed)
		return
	}

	var req chat.SyncRequest
	if err := a.decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, chat.SyncResponse{State: chat.StateErr})
		return
	}

	user, ok := a.sessions.Authenticate(*req.Session)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, chat.SyncResponse{State: chat.StateErr})
		return
	}

	var since time.Time
	if req.Days > 0 {
		since = time.Now().Add(-time.Duration(req.Days) * 24 * time.Hour)
	}

	messages, err := a.history.MessagesFor(r.Context(), user, since)
	if err != nil {
		a.log.Error("history sync failed", "user", user, "error", err)
		writeJSON(w, http.StatusInternalServerError, chat.SyncResponse{State: chat.StateErr})
		return
	}

	if messages == nil {
		messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, chat.SyncResponse{State: chat.StateOk, Messages: messages})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, a.maxMessageSize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if err := a.validate.Struct(dst); err != nil {
		return fmt.Errorf("validate body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay is running!")
}
