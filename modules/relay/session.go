package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/common/version"
	"github.com/zachfi/zkit/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zachfi/icerelay/pkg/shoutcast"
	"github.com/zachfi/icerelay/pkg/transcode"
)

const tracerName = "github.com/zachfi/icerelay/modules/relay"

// Events delivered to the session run loop.
type (
	textFrame    []byte
	binaryFrame  []byte
	clientClosed struct{ err error }

	attemptConnected struct{ seq int }
	attemptFinished  struct {
		seq  int
		conn *shoutcast.Conn
		err  error
	}
	retryDue     struct{ seq int }
	upstreamLost struct {
		conn *shoutcast.Conn
		err  error
	}
)

// Session relays one client's audio to one upstream mount. All state below
// the channels is owned by the run loop; readers from other goroutines use
// the atomics.
type Session struct {
	id     string
	remote string
	cfg    *Config
	logger *slog.Logger
	relay  *Relay

	ws    *websocket.Conn
	notes *NotifyWriter

	events   chan any
	loopDone chan struct{}
	cancel   context.CancelFunc
	started  time.Time

	state       atomic.Int32
	received    atomic.Int64
	streamed    atomic.Int64 // received while streaming
	sent        atomic.Int64
	dropped     atomic.Int64
	attempts    atomic.Int32
	transcoding atomic.Bool

	infoMu     sync.Mutex
	mountpoint string

	stream      *StreamConfig
	contentType string // announced upstream
	pipe        *transcode.Pipeline
	conn        *shoutcast.Conn
	seq         int
	backoff     *backoff.Backoff
	lastDelay   time.Duration
	retryTimer  *time.Timer
	prebuf      prebuffer
	warnedFull  bool
}

func newSession(r *Relay, id string, ws *websocket.Conn, remote string) *Session {
	return &Session{
		id:       id,
		remote:   remote,
		cfg:      r.cfg,
		logger:   r.logger.With("session", id, "remote", remote),
		relay:    r,
		ws:       ws,
		notes:    NewNotifyWriter(),
		events:   make(chan any, 64),
		loopDone: make(chan struct{}),
		started:  time.Now(),
		prebuf:   prebuffer{limit: r.cfg.PreBufferBytes},
	}
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) Stats() Stats {
	s.infoMu.Lock()
	mount := s.mountpoint
	s.infoMu.Unlock()

	return Stats{
		State:         s.State().String(),
		Mountpoint:    mount,
		BytesReceived: s.received.Load(),
		BytesSent:     s.sent.Load(),
		BytesDropped:  s.dropped.Load(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Transcoding:   s.transcoding.Load(),
		Attempts:      int(s.attempts.Load()),
	}
}

// serve blocks until the session has closed and released the client
// connection, the encoder and the upstream connection.
func (s *Session) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	s.logger.Info("client connected")

	s.ws.SetReadLimit(int64(s.cfg.MaxMessageBytes))
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	go s.notes.run(s.ws, writerDone)

	readerDone := make(chan struct{})
	go s.read(ctx, readerDone)

	s.run(ctx)

	_ = s.notes.Close()
	select {
	case <-writerDone:
	case <-time.After(closeWait + writeWait):
	}
	_ = s.ws.Close()
	<-readerDone

	st := s.Stats()
	s.logger.Info("client disconnected",
		"received", st.BytesReceived,
		"received_streaming", s.streamed.Load(),
		"sent", st.BytesSent,
		"dropped", st.BytesDropped,
		"notes_dropped", s.notes.Dropped(),
		"uptime", time.Since(s.started).Round(time.Millisecond),
	)
}

func (s *Session) read(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			s.post(ctx, clientClosed{err: err})
			return
		}

		var ev any
		switch mt {
		case websocket.TextMessage:
			ev = textFrame(data)
		case websocket.BinaryMessage:
			ev = binaryFrame(data)
		default:
			continue
		}
		if !s.post(ctx, ev) {
			return
		}
	}
}

// post hands ev to the run loop. It reports false once the loop is gone.
func (s *Session) post(ctx context.Context, ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.loopDone:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)
	defer s.shutdown()

	s.transition(StateAwaitingConfig)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			if !s.handle(ctx, ev) {
				return
			}
		case chunk, ok := <-s.encoderOutput():
			if !ok {
				s.encoderExited()
				return
			}
			s.forward(chunk)
		}
	}
}

// encoderOutput is nil, and so never ready, without an encoder.
func (s *Session) encoderOutput() <-chan []byte {
	if s.pipe == nil {
		return nil
	}
	return s.pipe.Output()
}

func (s *Session) handle(ctx context.Context, ev any) bool {
	switch ev := ev.(type) {
	case textFrame:
		return s.handleText(ctx, ev)
	case binaryFrame:
		s.handleAudio(ev)
	case clientClosed:
		if websocket.IsUnexpectedCloseError(ev.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Debug("client connection ended", "err", ev.err)
		}
		return false
	case attemptConnected:
		if ev.seq == s.seq && s.State() == StateConnecting {
			s.transition(StateHandshaking)
		}
	case attemptFinished:
		return s.handleAttempt(ctx, ev)
	case retryDue:
		if ev.seq == s.seq && s.State() == StateError {
			s.startAttempt(ctx)
		}
	case upstreamLost:
		return s.handleUpstreamLost(ctx, ev)
	}
	return true
}

func (s *Session) handleText(ctx context.Context, data []byte) bool {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed control message", "err", err)
		if s.stream == nil {
			s.relay.metrics.configErrors.Inc()
			s.notes.Send(notification{Type: TypeConfigError, Message: "malformed message"})
		}
		return true
	}

	switch strings.ToLower(msg.Type) {
	case requestConfig:
		return s.handleConfig(ctx, msg)
	case requestGetStats:
		s.notes.Send(statsNotification{Type: TypeStats, Stats: s.Stats()})
	case requestPing:
		s.notes.Send(notification{Type: TypePong})
	default:
		s.notes.Send(notification{Type: TypeAck, Request: msg.Type})
	}
	return true
}

func (s *Session) handleConfig(ctx context.Context, msg clientMessage) bool {
	cfg, err := resolveStreamConfig(msg, s.cfg.Stream)
	if err != nil {
		s.relay.metrics.configErrors.Inc()
		s.logger.Warn("rejected stream config", "err", err)
		s.notes.Send(notification{Type: TypeConfigError, Message: err.Error()})
		return true
	}

	if s.stream == nil {
		s.stream = &cfg
		s.infoMu.Lock()
		s.mountpoint = cfg.Mountpoint
		s.infoMu.Unlock()
		return s.begin(ctx)
	}

	// The upstream request is already made. A new config only restarts the
	// encoder, which lets a client resync its container headers.
	if s.pipe != nil {
		s.logger.Info("restarting encoder", "content_type", cfg.ContentType)
		_ = s.pipe.Stop()
		s.pipe = nil
		if err := s.startEncoder(cfg.ContentType); err != nil {
			s.fail(fmt.Errorf("restart encoder: %w", err))
			return false
		}
	}
	s.notes.Send(notification{Type: TypeAck, Request: msg.Type})
	return true
}

// begin decides on transcoding and makes the first upstream attempt.
func (s *Session) begin(ctx context.Context) bool {
	s.contentType = s.stream.ContentType

	if s.cfg.Transcode.Required(s.stream.ContentType) {
		if err := s.startEncoder(s.stream.ContentType); err != nil {
			if s.cfg.Transcode.Fallback == transcode.FallbackAbort {
				s.fail(err)
				return false
			}
			s.logger.Warn("encoder unavailable, forwarding audio untranscoded", "err", err)
		} else {
			s.contentType = s.cfg.Transcode.OutputContentType
		}
	}

	s.logger.Info("stream configured",
		"mountpoint", s.stream.Mountpoint,
		"content_type", s.stream.ContentType,
		"upstream_content_type", s.contentType,
		"transcoding", s.pipe != nil,
	)

	s.backoff = backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.ReconnectBackoff,
		MaxBackoff: s.cfg.ReconnectBackoffMax,
	})
	s.startAttempt(ctx)
	return true
}

func (s *Session) startEncoder(contentType string) error {
	p, err := transcode.Start(s.cfg.Transcode, contentType, s.logger.With("component", "encoder"))
	if err != nil {
		s.relay.metrics.encoderStarts.WithLabelValues("failed").Inc()
		return err
	}
	s.relay.metrics.encoderStarts.WithLabelValues("started").Inc()

	s.pipe = p
	s.transcoding.Store(true)
	if s.relay.hooks.encoderStarted != nil {
		s.relay.hooks.encoderStarted(s.id, p)
	}
	return nil
}

func (s *Session) encoderExited() {
	err := s.pipe.Stop()
	if err == nil {
		err = s.pipe.Err()
	}
	s.pipe = nil
	s.transcoding.Store(false)

	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrEncoderExit, err))
		return
	}
	s.fail(ErrEncoderExit)
}

func (s *Session) sourceRequest() shoutcast.SourceRequest {
	ua := s.cfg.Stream.UserAgent
	if ua == "" {
		ua = "icerelay"
		if version.Version != "" {
			ua += "/" + version.Version
		}
	}

	var url string
	if s.cfg.Stream.URLBase != "" {
		url = strings.TrimRight(s.cfg.Stream.URLBase, "/") + s.stream.Mountpoint
	}

	var audioInfo string
	if s.pipe != nil {
		audioInfo = s.cfg.Transcode.AudioInfo()
	}

	return shoutcast.SourceRequest{
		Mountpoint:  s.stream.Mountpoint,
		ContentType: s.contentType,
		Public:      s.cfg.Stream.Public,
		Name:        s.stream.SourceName,
		Description: s.stream.Description,
		Genre:       s.stream.Tags,
		URL:         url,
		AudioInfo:   audioInfo,
		UserAgent:   ua,
		Credentials: shoutcast.Credentials{
			User:     s.cfg.Upstream.User,
			Password: s.cfg.Upstream.Password,
		},
	}
}

func (s *Session) startAttempt(ctx context.Context) {
	s.seq++
	n := s.attempts.Add(1)
	s.transition(StateConnecting)
	s.logger.Debug("connecting upstream", "addr", s.cfg.Upstream.Address(), "attempt", n)

	go s.attempt(ctx, s.seq, s.sourceRequest())
}

// attempt dials and handshakes outside the run loop. Its result is ignored
// when seq is stale by the time it arrives.
func (s *Session) attempt(ctx context.Context, seq int, req shoutcast.SourceRequest) {
	tracer := otel.Tracer(tracerName)
	addr := s.cfg.Upstream.Address()
	opts := shoutcast.Options{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WriteTimeout:     s.cfg.WriteTimeout,
		FlushTimeout:     s.cfg.FlushTimeout,
		QueueFrames:      s.cfg.SendQueueFrames,
		Overflow:         s.relay.overflow,
	}

	dialCtx, span := tracer.Start(ctx, "relay.Dial")
	span.SetAttributes(attribute.String("addr", addr))
	conn, err := shoutcast.Dial(dialCtx, addr, s.cfg.ConnectTimeout, opts)
	_ = tracing.ErrHandler(span, err, "dial failed", nil)
	if err != nil {
		s.post(ctx, attemptFinished{seq: seq, err: err})
		return
	}

	if !s.post(ctx, attemptConnected{seq: seq}) {
		_ = conn.Close()
		return
	}

	hsCtx, span := tracer.Start(ctx, "relay.Handshake")
	span.SetAttributes(attribute.String("mountpoint", req.Mountpoint))
	err = conn.Handshake(hsCtx, req)
	_ = tracing.ErrHandler(span, err, "handshake failed", nil)

	if !s.post(ctx, attemptFinished{seq: seq, conn: conn, err: err}) {
		_ = conn.Close()
	}
}

func (s *Session) handleAttempt(ctx context.Context, ev attemptFinished) bool {
	state := s.State()
	if ev.seq != s.seq || (state != StateConnecting && state != StateHandshaking) {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return true
	}

	s.relay.metrics.upstreamAttempts.WithLabelValues(outcome(ev.err)).Inc()

	if ev.err == nil {
		s.conn = ev.conn
		s.resetBackoff()
		if !s.transition(StateStreaming) {
			return false
		}
		s.logger.Info("upstream accepted source", "mountpoint", s.stream.Mountpoint, "attempt", s.attempts.Load())
		s.notes.Send(notification{Type: TypeConnected})
		s.flushPrebuffer()
		go s.watch(ctx, ev.conn)
		return true
	}

	if ev.conn != nil {
		_ = ev.conn.Close()
	}
	if ctx.Err() != nil {
		return false
	}

	if !shoutcast.Transient(ev.err) {
		s.fail(ev.err)
		return false
	}
	return s.retry(ctx, ev.err)
}

// retry schedules the next upstream attempt, or ends the session once the
// attempt ceiling is reached.
func (s *Session) retry(ctx context.Context, cause error) bool {
	attempts := int(s.attempts.Load())
	if attempts >= s.cfg.MaxAttempts {
		s.fail(fmt.Errorf("failed to connect after %d attempts: %s", attempts, describe(cause)))
		return false
	}

	s.transition(StateError)

	delay := s.backoff.NextDelay()
	var hs *shoutcast.HandshakeError
	if errors.As(cause, &hs) && hs.Result == shoutcast.MountInUse && delay < s.cfg.MountInUseDelay {
		delay = s.cfg.MountInUseDelay
	}
	// The backoff is jittered. Never wait less than last time.
	delay = max(delay, s.lastDelay)
	s.lastDelay = delay

	s.logger.Warn("upstream attempt failed",
		"attempt", attempts,
		"max_attempts", s.cfg.MaxAttempts,
		"retry_in", delay,
		"err", cause,
	)
	if s.relay.hooks.retry != nil {
		s.relay.hooks.retry(s.id, attempts, delay)
	}

	seq := s.seq
	s.retryTimer = time.AfterFunc(delay, func() {
		s.post(ctx, retryDue{seq: seq})
	})
	return true
}

func (s *Session) resetBackoff() {
	s.backoff.Reset()
	s.lastDelay = 0
}

func (s *Session) watch(ctx context.Context, conn *shoutcast.Conn) {
	select {
	case <-conn.Done():
		s.post(ctx, upstreamLost{conn: conn, err: conn.Err()})
	case <-ctx.Done():
	}
}

func (s *Session) handleUpstreamLost(ctx context.Context, ev upstreamLost) bool {
	if ev.conn != s.conn {
		return true
	}
	s.conn = nil
	_ = ev.conn.Close()

	s.logger.Warn("upstream connection lost", "err", ev.err, "sent", ev.conn.Written())
	s.notes.Send(notification{Type: TypeDisconnected})

	if !s.cfg.ReconnectOnDrop {
		s.fail(fmt.Errorf("upstream connection lost: %s", describe(ev.err)))
		return false
	}

	s.attempts.Store(0)
	s.resetBackoff()
	return s.retry(ctx, ev.err)
}

func (s *Session) handleAudio(data []byte) {
	n := int64(len(data))
	s.received.Add(n)
	s.relay.metrics.bytesReceived.Add(float64(n))

	if s.stream == nil {
		s.drop(n, "unconfigured")
		return
	}

	if s.State() == StateStreaming {
		s.streamed.Add(n)
	}

	if s.pipe != nil {
		if !s.pipe.Write(data) {
			s.drop(n, "encoder_backlog")
		}
		return
	}

	s.forward(data)
}

// forward sends audio upstream, or holds it while no connection is accepted.
func (s *Session) forward(chunk []byte) {
	if s.conn == nil {
		s.hold(chunk)
		return
	}

	n := int64(len(chunk))
	res, err := s.conn.Write(chunk)
	switch {
	case err != nil:
		// The watcher reports the loss.
		s.drop(n, "upstream_closed")
		return
	case !res.Accepted:
		s.drop(n, "backpressure")
	default:
		s.sent.Add(n)
		s.relay.metrics.bytesSent.Add(float64(n))
	}

	if res.Backlogged {
		s.relay.metrics.backlogged.Inc()
		s.logger.Debug("upstream backlogged", "queued", s.conn.Backlog())
	}
}

func (s *Session) hold(chunk []byte) {
	if st := s.State(); st == StateClosing || st == StateClosed {
		s.drop(int64(len(chunk)), "closing")
		return
	}
	if s.prebuf.push(chunk) {
		return
	}

	s.drop(int64(len(chunk)), "prebuffer_full")
	if !s.warnedFull {
		s.warnedFull = true
		s.logger.Warn("pre-stream buffer full, dropping audio until the upstream accepts", "limit", s.prebuf.limit)
	}
}

func (s *Session) flushPrebuffer() {
	chunks := s.prebuf.take()
	s.warnedFull = false
	for _, c := range chunks {
		s.forward(c)
	}
}

func (s *Session) drop(n int64, reason string) {
	s.dropped.Add(n)
	s.relay.metrics.bytesDropped.WithLabelValues(reason).Add(float64(n))
}

// fail reports a terminal error to the client. The loop returns afterwards,
// so it runs at most once per session.
func (s *Session) fail(err error) {
	s.logger.Error("session failed", "state", s.State(), "err", err)
	if s.conn != nil {
		// shutdown closes the accepted upstream
		s.notes.Send(notification{Type: TypeDisconnected})
	}
	if s.State() != StateError {
		s.transition(StateError)
	}
	s.notes.Send(notification{Type: TypeError, Message: describeFailure(err)})
}

func describeFailure(err error) string {
	var hs *shoutcast.HandshakeError
	var ce *shoutcast.ConnectError
	if errors.As(err, &hs) || errors.As(err, &ce) || errors.Is(err, shoutcast.ErrHandshakeTimeout) || errors.Is(err, shoutcast.ErrClosed) {
		return describe(err)
	}
	return err.Error()
}

// shutdown releases everything the session owns. Encoder output produced
// before the client left is still forwarded, bounded by the flush timeout.
func (s *Session) shutdown() {
	s.transition(StateClosing)

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.seq++

	if s.pipe != nil {
		s.pipe.CloseInput()
		s.drainEncoder()
		if err := s.pipe.Stop(); err != nil {
			s.logger.Debug("encoder stopped", "err", err)
		}
		s.pipe = nil
		s.transcoding.Store(false)
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("closing upstream", "err", err)
		}
		s.conn = nil
	}

	if left := s.prebuf.take(); len(left) > 0 {
		var n int
		for _, c := range left {
			n += len(c)
		}
		s.drop(int64(n), "closing")
	}

	s.cancel()
	s.transition(StateClosed)
}

func (s *Session) drainEncoder() {
	timer := time.NewTimer(s.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case chunk, ok := <-s.pipe.Output():
			if !ok {
				return
			}
			if s.conn != nil {
				s.forward(chunk)
			} else {
				s.drop(int64(len(chunk)), "closing")
			}
		case <-timer.C:
			s.logger.Warn("encoder did not drain in time")
			return
		}
	}
}

func (s *Session) transition(to SessionState) bool {
	from := s.State()
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		s.logger.Error("invalid session transition", "from", from, "to", to)
		return false
	}

	s.state.Store(int32(to))
	s.relay.metrics.transitions.WithLabelValues(to.String()).Inc()
	s.logger.Debug("session state", "from", from, "to", to)
	if s.relay.hooks.transition != nil {
		s.relay.hooks.transition(s.id, from, to)
	}
	return true
}

// prebuffer holds the head of the stream while the upstream handshake is in
// flight. Once full, later audio is refused.
type prebuffer struct {
	limit  int
	size   int
	chunks [][]byte
}

func (b *prebuffer) push(p []byte) bool {
	if b.size+len(p) > b.limit {
		return false
	}
	b.chunks = append(b.chunks, p)
	b.size += len(p)
	return true
}

func (b *prebuffer) take() [][]byte {
	c := b.chunks
	b.chunks = nil
	b.size = 0
	return c
}
