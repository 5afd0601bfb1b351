package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/mocks"
	"github.com/Tyrowin/gochat-relay/internal/session"
)

// submitterFunc adapts a function to Submitter.
type submitterFunc func(chat.Message) error

func (f submitterFunc) Submit(msg chat.Message) error { return f(msg) }

func newTestAPI(t *testing.T, submit Submitter, history chat.HistoryReader, cfg Config) (*API, *session.Registry) {
	t.Helper()
	sessions, err := session.New(16)
	require.NoError(t, err)
	return NewAPI(sessions, submit, history, cfg, logging.Discard(), NewMetrics()), sessions
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodPost, path, &buf))

	var decoded map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func submitBody(kind string, receiver uint64, content string, token chat.Session) map[string]any {
	return map[string]any{
		"message_type": kind,
		"content":      content,
		"receiver_id":  receiver,
		"session":      token,
	}
}

// TestSubmitHandlerQueuesMessage tests the happy path of the submit endpoint.
// It verifies the message carries the authenticated sender, not anything
// from the request body.
func TestSubmitHandlerQueuesMessage(t *testing.T) {
	req := require.New(t)
	var got []chat.Message
	api, sessions := newTestAPI(t, submitterFunc(func(msg chat.Message) error {
		got = append(got, msg)
		return nil
	}), nil, testConfig())
	token := sessions.Issue(1)

	rr, resp := postJSON(t, api.SubmitHandler, "/message", submitBody("Private", 2, "hi", token))

	req.Equal(http.StatusOK, rr.Code)
	req.Equal("Ok", resp["state"])
	req.Len(got, 1)
	req.Equal(chat.KindPrivate, got[0].Kind)
	req.Equal(chat.UserID(1), got[0].SenderID)
	req.Equal(uint64(2), got[0].ReceiverID)
	req.Equal("hi", got[0].Content)
	req.WithinDuration(time.Now(), got[0].At, time.Minute)
}

// TestSubmitHandlerResponses tests every failure state of the submit endpoint.
func TestSubmitHandlerResponses(t *testing.T) {
	busy := submitterFunc(func(chat.Message) error { return chat.ErrServerBusy })
	stopped := submitterFunc(func(chat.Message) error { return chat.ErrDispatcherStopped })
	accept := submitterFunc(func(chat.Message) error { return nil })

	tests := []struct {
		name       string
		submitter  Submitter
		body       func(valid chat.Session) any
		wantStatus int
		wantState  string
	}{
		{
			name:       "unknown session",
			submitter:  accept,
			body:       func(chat.Session) any { return submitBody("Private", 2, "hi", chat.NewSession()) },
			wantStatus: http.StatusUnauthorized,
			wantState:  "WrongToken",
		},
		{
			name:       "queue full",
			submitter:  busy,
			body:       func(s chat.Session) any { return submitBody("Group", 7, "hi", s) },
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "ServerBusy",
		},
		{
			name:       "dispatcher stopped",
			submitter:  stopped,
			body:       func(s chat.Session) any { return submitBody("Private", 2, "hi", s) },
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "ServerBusy",
		},
		{
			name:       "unknown message type",
			submitter:  accept,
			body:       func(s chat.Session) any { return submitBody("Broadcast", 2, "hi", s) },
			wantStatus: http.StatusBadRequest,
			wantState:  "OtherError",
		},
		{
			name:      "missing session",
			submitter: accept,
			body: func(chat.Session) any {
				return map[string]any{"message_type": "Private", "content": "hi", "receiver_id": 2}
			},
			wantStatus: http.StatusBadRequest,
			wantState:  "OtherError",
		},
		{
			name:       "malformed json",
			submitter:  accept,
			body:       func(chat.Session) any { return "{not json" },
			wantStatus: http.StatusBadRequest,
			wantState:  "OtherError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, sessions := newTestAPI(t, tt.submitter, nil, testConfig())
			token := sessions.Issue(1)

			rr, resp := postJSON(t, api.SubmitHandler, "/message", tt.body(token))
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantState, resp["state"])
		})
	}
}

// TestSubmitHandlerAcceptsZeroReceiver tests that receiver zero is a valid
// identifier rather than a missing field.
func TestSubmitHandlerAcceptsZeroReceiver(t *testing.T) {
	req := require.New(t)
	var got []chat.Message
	api, sessions := newTestAPI(t, submitterFunc(func(msg chat.Message) error {
		got = append(got, msg)
		return nil
	}), nil, testConfig())

	rr, resp := postJSON(t, api.SubmitHandler, "/message", submitBody("Private", 0, "hi", sessions.Issue(1)))

	req.Equal(http.StatusOK, rr.Code)
	req.Equal("Ok", resp["state"])
	req.Len(got, 1)
	req.Equal(uint64(0), got[0].ReceiverID)
}

func TestSubmitHandlerRejectsOversizedBody(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 64
	api, sessions := newTestAPI(t, submitterFunc(func(chat.Message) error { return nil }), nil, cfg)

	body := submitBody("Private", 2, strings.Repeat("x", 256), sessions.Issue(1))
	rr, resp := postJSON(t, api.SubmitHandler, "/message", body)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "OtherError", resp["state"])
}

// TestSubmitHandlerRateLimitsPerUser tests the per-user submission budget.
// It verifies one user exhausting their budget does not affect another.
func TestSubmitHandlerRateLimitsPerUser(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.RateLimitBurst = 2
	cfg.RateLimitRefill = time.Hour
	api, sessions := newTestAPI(t, submitterFunc(func(chat.Message) error { return nil }), nil, cfg)
	noisy, quiet := sessions.Issue(1), sessions.Issue(2)

	for i := 0; i < 2; i++ {
		rr, _ := postJSON(t, api.SubmitHandler, "/message", submitBody("Private", 3, "x", noisy))
		req.Equal(http.StatusOK, rr.Code)
	}

	rr, resp := postJSON(t, api.SubmitHandler, "/message", submitBody("Private", 3, "x", noisy))
	req.Equal(http.StatusTooManyRequests, rr.Code)
	req.Equal("ServerBusy", resp["state"])

	rr, _ = postJSON(t, api.SubmitHandler, "/message", submitBody("Private", 3, "x", quiet))
	req.Equal(http.StatusOK, rr.Code)
}

func TestSubmitHandlerRejectsNonPost(t *testing.T) {
	api, _ := newTestAPI(t, submitterFunc(func(chat.Message) error { return nil }), nil, testConfig())
	rr := httptest.NewRecorder()
	api.SubmitHandler(rr, httptest.NewRequest(http.MethodGet, "/message", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

// TestSyncHandler tests the history endpoint.
// It verifies the caller's user and the day window reach the history reader.
func TestSyncHandler(t *testing.T) {
	ctrl := gomock.NewController(t)
	history := mocks.NewMockHistoryReader(ctrl)
	api, sessions := newTestAPI(t, submitterFunc(func(chat.Message) error { return nil }), history, testConfig())
	token := sessions.Issue(5)

	stored := []chat.Message{
		chat.NewMessage(chat.KindPrivate, 5, 6, "first"),
		chat.NewMessage(chat.KindGroup, 6, 9, "second"),
	}

	t.Run("all history", func(t *testing.T) {
		history.EXPECT().
			MessagesFor(gomock.Any(), chat.UserID(5), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ chat.UserID, since time.Time) ([]chat.Message, error) {
				assert.True(t, since.IsZero())
				return stored, nil
			})

		rr, _ := postJSON(t, api.SyncHandler, "/message/sync", map[string]any{"session": token})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp chat.SyncResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, chat.StateOk, resp.State)
		require.Len(t, resp.Messages, 2)
		assert.Equal(t, "first", resp.Messages[0].Content)
		assert.Equal(t, chat.KindGroup, resp.Messages[1].Kind)
	})

	t.Run("last days", func(t *testing.T) {
		history.EXPECT().
			MessagesFor(gomock.Any(), chat.UserID(5), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ chat.UserID, since time.Time) ([]chat.Message, error) {
				assert.WithinDuration(t, time.Now().Add(-48*time.Hour), since, time.Minute)
				return nil, nil
			})

		rr, resp := postJSON(t, api.SyncHandler, "/message/sync", map[string]any{"session": token, "days": 2})
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "Ok", resp["state"])
		assert.Contains(t, rr.Body.String(), `"messages":[]`, "empty history is an empty list")
	})

	t.Run("store failure", func(t *testing.T) {
		history.EXPECT().
			MessagesFor(gomock.Any(), chat.UserID(5), gomock.Any()).
			Return(nil, errors.New("locked"))

		rr, resp := postJSON(t, api.SyncHandler, "/message/sync", map[string]any{"session": token})
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "Err", resp["state"])
		assert.Nil(t, resp["messages"])
	})

	t.Run("unknown session", func(t *testing.T) {
		rr, resp := postJSON(t, api.SyncHandler, "/message/sync", map[string]any{"session": chat.NewSession()})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "Err", resp["state"])
	})
}

// TestHealthHandler tests the health handler for any method.
func TestHealthHandler(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			rr := httptest.NewRecorder()
			HealthHandler(rr, httptest.NewRequest(method, "/health", http.NoBody))
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "GoChat relay is running!", rr.Body.String())
		})
	}
}
