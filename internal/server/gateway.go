package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Authenticator exchanges a session token for the user that owns it.
type Authenticator interface {
	Authenticate(token chat.Session) (chat.UserID, bool)
}

// Gateway accepts tunnel upgrades, authenticates each connection with a
// single handshake frame, binds it in the connection registry and pumps its
// outbound channel to the wire.
type Gateway struct {
	sessions Authenticator
	conns    *Registry
	upgrader websocket.Upgrader
	validate *validator.Validate
	cfg      Config
	log      *slog.Logger
	metrics  *Metrics

	// mu orders admission against Shutdown so wg.Add never races wg.Wait.
	mu      sync.Mutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewGateway creates a gateway bound to the given registries.
func NewGateway(sessions Authenticator, conns *Registry, cfg Config, log *slog.Logger, metrics *Metrics) *Gateway {
	log = log.With("component", "gateway")
	origins := newOriginPolicy(cfg.Origins(), log)
	return &Gateway{
		sessions: sessions,
		conns:    conns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		validate: validator.New(),
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
	}
}

// ServeHTTP upgrades a GET request and hands the connection to its own
// goroutine.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Tunnel endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if !g.admit() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.wg.Done()
		g.log.Info("tunnel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, g, r.RemoteAddr)
	go func() {
		defer g.wg.Done()
		c.serve()
	}()
}

// admit counts a new tunnel in the wait group unless shutdown has begun.
func (g *Gateway) admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing.Load() {
		return false
	}
	g.wg.Add(1)
	return true
}

// bind registers sender for user and retires any connection it supersedes.
func (g *Gateway) bind(user chat.UserID, sender *Sender) {
	if prev := g.conns.Register(user, sender); prev != nil {
		prev.Close()
		g.log.Info("connection superseded", "user", user)
		return
	}
	g.metrics.connections.Inc()
}

// release removes sender if it is still the live connection of user.
func (g *Gateway) release(user chat.UserID, sender *Sender) {
	sender.Close()
	if g.conns.Unregister(user, sender) {
		g.metrics.connections.Dec()
	}
}

// Shutdown stops accepting tunnels, closes every live connection and waits
// for their goroutines to finish or for timeout to elapse.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.log.Info("initiating gateway shutdown")
	g.mu.Lock()
	g.closing.Store(true)
	g.mu.Unlock()

	closed := g.conns.CloseAll()
	g.metrics.connections.Sub(float64(closed))
	g.log.Info("closed live connections", "count", closed)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("gateway shutdown completed")
		return nil
	case <-time.After(timeout):
		g.log.Warn("gateway shutdown timeout reached, some connections may still be open")
		return context.DeadlineExceeded
	}
}
