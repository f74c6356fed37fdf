package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/icerelay/pkg/shoutcast"
	"github.com/zachfi/icerelay/pkg/transcode"
)

var module = "relay"

// Relay accepts websocket clients and runs one Session per connection. It is
// mounted on the server's HTTP router.
type Relay struct {
	services.Service
	cfg      *Config
	logger   *slog.Logger
	metrics  *metrics
	overflow shoutcast.OverflowPolicy
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup

	hooks hooks
}

// hooks observe session internals. Only tests set them.
type hooks struct {
	transition     func(id string, from, to SessionState)
	retry          func(id string, attempt int, delay time.Duration)
	encoderStarted func(id string, p *transcode.Pipeline)
	removed        func(id string)
}

// New creates and returns a new Relay.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	overflow, err := shoutcast.ParseOverflowPolicy(cfg.Overflow)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		metrics:  newMetrics(reg),
		overflow: overflow,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers on other origins are the expected clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r, nil
}

func (r *Relay) starting(_ context.Context) error {
	r.logger.Info("accepting sources",
		"path", r.cfg.Path,
		"upstream", r.cfg.Upstream.Address(),
		"transcode", r.cfg.Transcode.Mode,
	)
	return nil
}

func (r *Relay) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// stopping ends every session and waits for them to release their resources.
func (r *Relay) stopping(_ error) error {
	r.mu.Lock()
	r.closing = true
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("closing sessions", "count", n)
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	// Each session needs at most one flush window for the encoder and one for
	// the send queue.
	select {
	case <-done:
		return nil
	case <-time.After(2*r.cfg.FlushTimeout + closeWait + time.Second):
		return errors.New("timed out waiting for sessions to close")
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already replied.
		r.logger.Debug("websocket upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}

	s := newSession(r, uuid.NewString(), ws, req.RemoteAddr)
	if !r.add(s) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ErrShuttingDown.Error()),
			time.Now().Add(closeWait))
		_ = ws.Close()
		return
	}
	defer r.wg.Done()
	defer r.remove(s.id)

	s.serve(r.ctx)
}

// Sessions returns the number of open sessions.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats returns a snapshot of every open session keyed by session id.
func (r *Relay) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s.Stats()
	}
	return out
}

func (r *Relay) add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return false
	}

	r.sessions[s.id] = s
	r.wg.Add(1)
	r.metrics.sessionsTotal.Inc()
	r.metrics.sessionsActive.Inc()
	return true
}

func (r *Relay) remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.sessionsActive.Dec()
	if r.hooks.removed != nil {
		r.hooks.removed(id)
	}
}
