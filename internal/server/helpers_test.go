package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/logging"
)

const testOrigin = "http://localhost:5173"

// recordingStore keeps every stored message in order. fail, when set, can
// reject individual messages.
type recordingStore struct {
	mu   sync.Mutex
	msgs []chat.Message
	fail func(chat.Message) error
}

func (s *recordingStore) StoreMessage(_ context.Context, msg chat.Message) error {
	if s.fail != nil {
		if err := s.fail(msg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) stored() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.msgs...)
}

func (s *recordingStore) MessagesFor(_ context.Context, user chat.UserID, _ time.Time) ([]chat.Message, error) {
	var out []chat.Message
	for _, m := range s.stored() {
		if m.SenderID == user || (m.Kind == chat.KindPrivate && chat.UserID(m.ReceiverID) == user) {
			out = append(out, m)
		}
	}
	return out, nil
}

// staticDirectory serves fixed rosters.
type staticDirectory map[chat.GroupID][]chat.UserID

func (d staticDirectory) FetchMembers(_ context.Context, group chat.GroupID) ([]chat.UserID, error) {
	return d[group], nil
}

// rosterFunc adapts a function to RosterSource.
type rosterFunc func(ctx context.Context, group chat.GroupID) ([]chat.UserID, error)

func (f rosterFunc) Members(ctx context.Context, group chat.GroupID) ([]chat.UserID, error) {
	return f(ctx, group)
}

func testConfig() Config {
	cfg := NewConfig()
	cfg.AllowedOrigins = testOrigin
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.SubmitQueueSize = 64
	cfg.OutboundBufferSize = 16
	cfg.SessionCapacity = 128
	cfg.GroupCacheCapacity = 16
	return cfg
}

// startDispatcher runs d until the test ends.
func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// flush submits a marker message to an offline user and waits until it is
// stored. Since the dispatcher has a single consumer, every message
// submitted before the marker has been fully fanned out by then.
func flush(t *testing.T, d *Dispatcher, st *recordingStore) {
	t.Helper()
	marker := chat.NewMessage(chat.KindPrivate, 0, 1<<40, "flush-"+time.Now().String())
	require.NoError(t, d.Submit(marker))
	require.Eventually(t, func() bool {
		msgs := st.stored()
		return len(msgs) > 0 && msgs[len(msgs)-1].Content == marker.Content
	}, 2*time.Second, 5*time.Millisecond)
}

// receive reads one envelope from s or fails the test.
func receive(t *testing.T, s *Sender) chat.Envelope {
	t.Helper()
	select {
	case raw := <-s.C():
		var env chat.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return chat.Envelope{}
	}
}

func requireEmpty(t *testing.T, s *Sender) {
	t.Helper()
	select {
	case raw := <-s.C():
		t.Fatalf("unexpected delivery: %s", raw)
	default:
	}
}

// testServer is a fully wired server behind httptest.
type testServer struct {
	*Server
	store *recordingStore
	http  *httptest.Server
}

func newTestServer(t *testing.T, directory chat.GroupDirectory) *testServer {
	t.Helper()
	st := &recordingStore{}
	if directory == nil {
		directory = staticDirectory{}
	}
	srv, err := New(testConfig(), Backend{Messages: st, Directory: directory, History: st}, logging.Discard())
	require.NoError(t, err)

	startDispatcher(t, srv.Dispatcher)
	hs := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(func() {
		_ = srv.Gateway.Shutdown(2 * time.Second)
		hs.Close()
	})
	return &testServer{Server: srv, store: st, http: hs}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/tunnel"
}

// dial opens a tunnel with an allowed origin, without authenticating.
func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(ts.wsURL(), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials, authenticates as user and waits until the connection is bound.
func (ts *testServer) connect(t *testing.T, user chat.UserID) *websocket.Conn {
	t.Helper()
	token := ts.Sessions.Issue(user)
	before, _ := ts.Conns.Lookup(user)

	conn := ts.dial(t)
	require.NoError(t, conn.WriteJSON(chat.AuthFrame{Session: &token}))
	require.Eventually(t, func() bool {
		current, ok := ts.Conns.Lookup(user)
		return ok && current != before
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

// readEnvelope reads the next pushed envelope from conn.
func readEnvelope(t *testing.T, conn *websocket.Conn) chat.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var env chat.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}
