// Package relay bridges one client WebSocket to one provider realtime
// connection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/realtime-gateway/internal/events"
	"github.com/ent0n29/realtime-gateway/internal/gatewayerr"
	"github.com/ent0n29/realtime-gateway/internal/observability"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
	"github.com/ent0n29/realtime-gateway/internal/reliability"
	"github.com/ent0n29/realtime-gateway/internal/session"
	"github.com/ent0n29/realtime-gateway/internal/upstream"
)

// Message directions used in metrics.
const (
	DirectionClient   = "client_to_upstream"
	DirectionUpstream = "upstream_to_client"
)

// ClientConn is the accepted browser connection.
type ClientConn interface {
	upstream.Conn
	SetReadDeadline(t time.Time) error
}

// ToolRunner executes model function calls. Call must return a JSON output
// even when it also returns an error.
type ToolRunner interface {
	Definitions() []json.RawMessage
	Has(name string) bool
	Call(ctx context.Context, name, arguments string) (string, error)
}

type Config struct {
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	CloseGrace       time.Duration
	ResponseDelay    time.Duration
	AutoResponse     bool
	// DefaultPrompt is sent as instructions when the descriptor has none.
	DefaultPrompt string
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 2 * time.Second
	}
	if c.ResponseDelay < 0 {
		c.ResponseDelay = 0
	}
	return c
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Dialer   upstream.Dialer
	Registry *session.Registry
	Tools    ToolRunner
	Metrics  *observability.Metrics
	Events   events.Publisher
	Log      zerolog.Logger
}

// trigger is the response.create owed to one content submission.
type trigger struct {
	timer     *time.Timer
	fired     bool
	cancelled bool
}

// Session is one relay between a client and the provider.
type Session struct {
	id         string
	cfg        Config
	deps       Deps
	log        zerolog.Logger
	client     ClientConn
	remoteAddr string
	createdAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	desc        realtime.Descriptor
	up          upstream.Conn
	triggers    []*trigger
	closeCode   int
	closeReason string
	triggeredAt time.Time
	activeAt    time.Time
	sawUpstream bool

	lastActivity atomic.Int64
	closing      atomic.Bool

	// writeMu serializes every write to the upstream connection.
	writeMu sync.Mutex

	loops sync.WaitGroup
	calls sync.WaitGroup
}

// New prepares a session for an accepted client connection. Run drives it.
func New(ctx context.Context, client ClientConn, remoteAddr string, cfg Config, deps Deps) *Session {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	now := time.Now().UTC()
	s := &Session{
		id:         id,
		cfg:        cfg.withDefaults(),
		deps:       deps,
		log:        deps.Log.With().Str("session_id", id).Logger(),
		client:     client,
		remoteAddr: remoteAddr,
		createdAt:  now,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() session.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.Info{
		ID:             s.id,
		State:          s.state.String(),
		Model:          s.desc.Model,
		Voice:          s.desc.Voice,
		RemoteAddr:     s.remoteAddr,
		CreatedAt:      s.createdAt,
		LastActivityAt: time.Unix(0, s.lastActivity.Load()).UTC(),
		CloseCode:      s.closeCode,
	}
}

// Shutdown closes the session with 1001 going away.
func (s *Session) Shutdown(reason string) {
	if reason == "" {
		reason = "server shutting down"
	}
	s.closeWith(gatewayerr.CloseGoingAway, reason)
}

// Run blocks until the session is closed on both sides.
func (s *Session) Run() {
	defer s.cancel()

	if err := s.deps.Registry.Register(s); err != nil {
		code, reason := gatewayerr.CloseInternalError, "internal error"
		if errors.Is(err, session.ErrLimitReached) {
			code, reason = gatewayerr.CloseTryAgainLater, "too many sessions, try again later"
		}
		s.log.Warn().Err(err).Msg("session rejected")
		s.closeWith(code, reason)
		s.teardown()
		s.setState(StateClosed)
		return
	}
	defer s.finish()

	if err := s.negotiate(); err != nil {
		s.fail(err)
		s.teardown()
		return
	}

	s.loops.Add(3)
	go s.clientLoop()
	go s.upstreamLoop()
	go s.watchIdle()

	<-s.ctx.Done()
	s.teardown()
}

// negotiate reads the descriptor, dials upstream and configures the session.
func (s *Session) negotiate() error {
	s.setState(StateConnecting)
	desc, err := s.readDescriptor()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.desc = desc
	s.mu.Unlock()
	s.log = s.log.With().Str("model", desc.Model).Logger()

	s.setState(StateNegotiating)
	dialStart := time.Now()
	up, err := s.deps.Dialer.Dial(s.ctx, desc)
	if err != nil {
		if s.ctx.Err() != nil {
			return gatewayerr.Wrap(gatewayerr.KindInternal, err, "session cancelled while dialing")
		}
		s.deps.Metrics.UpstreamError(gatewayerr.KindOf(err).String())
		return err
	}
	s.deps.Metrics.ObserveStage(observability.StageUpstreamDial, time.Since(dialStart))

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = up.Close()
		return gatewayerr.New(gatewayerr.KindInternal, "session closed while dialing")
	}
	s.up = up
	s.mu.Unlock()

	update, err := realtime.SessionUpdate(s.sessionConfig(desc))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInternal, err, "encode session.update")
	}
	if err := s.writeUpstream(websocket.TextMessage, update); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindUpstreamUnavailable, err, "upstream connection lost")
	}

	s.mu.Lock()
	s.activeAt = time.Now()
	s.mu.Unlock()
	s.setState(StateActive)
	s.touch()
	s.log.Info().Str("remote_addr", s.remoteAddr).Msg("relay session active")
	s.publish(events.TypeSessionOpened, map[string]any{
		"model":       desc.Model,
		"voice":       desc.Voice,
		"remote_addr": s.remoteAddr,
	})
	return nil
}

func (s *Session) readDescriptor() (realtime.Descriptor, error) {
	_ = s.client.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	msgType, data, err := s.client.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return realtime.Descriptor{}, gatewayerr.BadRequest("session descriptor not received in time")
		}
		return realtime.Descriptor{}, errClientGone
	}
	_ = s.client.SetReadDeadline(time.Time{})
	s.touch()

	if msgType != websocket.TextMessage {
		return realtime.Descriptor{}, gatewayerr.BadRequest("first frame must be a JSON session descriptor")
	}
	desc, err := realtime.ParseDescriptor(data)
	if err != nil {
		return realtime.Descriptor{}, gatewayerr.Wrap(gatewayerr.KindBadRequest, err, "invalid session descriptor")
	}
	if err := desc.Validate(); err != nil {
		return realtime.Descriptor{}, gatewayerr.BadRequest(err.Error())
	}
	return desc, nil
}

func (s *Session) sessionConfig(desc realtime.Descriptor) realtime.SessionConfig {
	cfg := realtime.SessionConfig{
		Instructions: desc.SystemPrompt,
		Voice:        desc.Voice,
	}
	if cfg.Instructions == "" {
		cfg.Instructions = s.cfg.DefaultPrompt
	}
	if s.deps.Tools != nil {
		cfg.Tools = s.deps.Tools.Definitions()
	}
	return cfg
}

var errClientGone = errors.New("client disconnected")

// fail closes the session for a negotiation error.
func (s *Session) fail(err error) {
	if errors.Is(err, errClientGone) {
		s.closeWith(gatewayerr.CloseNormal, "client closed")
		return
	}
	kind := gatewayerr.KindOf(err)
	ev := s.log.Warn()
	if kind == gatewayerr.KindInternal {
		ev = s.log.Error()
	}
	ev.Err(err).Str("kind", kind.String()).Msg("relay negotiation failed")
	s.closeWith(gatewayerr.CloseCode(kind), gatewayerr.PublicMessage(err))
}

// clientLoop forwards client frames upstream in order.
func (s *Session) clientLoop() {
	defer s.loops.Done()
	for {
		msgType, data, err := s.client.ReadMessage()
		if err != nil {
			s.onReadError(err, "client")
			return
		}
		s.touch()

		var env realtime.Envelope
		if msgType == websocket.TextMessage {
			env, _ = realtime.Classify(data)
		}
		s.deps.Metrics.Message(DirectionClient, env.Type)

		if env.Type == realtime.EventResponseCreate && !s.claimClientResponse() {
			s.log.Debug().Msg("client response.create already answered by injected trigger, dropped")
			s.deps.Metrics.SessionEvent("trigger_deduplicated")
			continue
		}

		if err := s.writeUpstream(msgType, data); err != nil {
			if s.ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("upstream write failed")
				s.deps.Metrics.UpstreamError(gatewayerr.KindUpstreamUnavailable.String())
				s.closeWith(gatewayerr.CloseInternalError, "upstream connection lost")
			}
			return
		}

		if s.cfg.AutoResponse && realtime.IsContentSubmission(env) {
			s.scheduleTrigger()
		}
	}
}

// upstreamLoop forwards provider frames to the client in order.
func (s *Session) upstreamLoop() {
	defer s.loops.Done()
	up := s.upstreamConn()
	for {
		msgType, data, err := up.ReadMessage()
		if err != nil {
			s.onReadError(err, "upstream")
			return
		}
		s.touch()

		var env realtime.Envelope
		if msgType == websocket.TextMessage {
			env, _ = realtime.Classify(data)
		}
		s.observeUpstream(env)

		if err := s.client.WriteMessage(msgType, data); err != nil {
			if s.ctx.Err() == nil {
				s.closeWith(gatewayerr.CloseNormal, "client closed")
			}
			return
		}

		if env.Type == realtime.EventError && env.Error != nil {
			retryable := reliability.IsRetryableRealtimeErrorType(env.Error.Type)
			s.log.Warn().
				Str("error_type", env.Error.Type).
				Str("error_code", env.Error.Code).
				Str("error_message", env.Error.Message).
				Bool("retryable", retryable).
				Msg("provider reported error")
			if retryable {
				s.deps.Metrics.UpstreamError("event_retryable")
			} else {
				s.deps.Metrics.UpstreamError("event_rejected")
			}
		}
		if call, ok := realtime.AsFunctionCall(env); ok && s.deps.Tools != nil && s.deps.Tools.Has(call.Name) {
			s.startToolCall(call)
		}
	}
}

func (s *Session) observeUpstream(env realtime.Envelope) {
	s.deps.Metrics.Message(DirectionUpstream, env.Type)

	s.mu.Lock()
	first := !s.sawUpstream
	s.sawUpstream = true
	activeAt := s.activeAt
	triggeredAt := s.triggeredAt
	if env.Type == realtime.EventResponseCreated {
		s.triggeredAt = time.Time{}
	}
	s.mu.Unlock()

	if first && !activeAt.IsZero() {
		s.deps.Metrics.ObserveStage(observability.StageFirstUpstreamEvent, time.Since(activeAt))
	}
	if env.Type == realtime.EventResponseCreated && !triggeredAt.IsZero() {
		s.deps.Metrics.ObserveStage(observability.StageTriggerToResponse, time.Since(triggeredAt))
	}
}

// onReadError maps a read failure on either side to a close.
func (s *Session) onReadError(err error, side string) {
	if s.ctx.Err() != nil {
		return
	}
	var ce *websocket.CloseError
	isClose := errors.As(err, &ce)
	switch {
	case side == "client":
		s.log.Debug().Err(err).Msg("client read ended")
		s.closeWith(gatewayerr.CloseNormal, "client closed")
	case isClose && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway):
		s.log.Info().Int("code", ce.Code).Str("text", ce.Text).Msg("upstream closed")
		s.closeWith(gatewayerr.CloseNormal, "upstream closed")
	default:
		s.log.Warn().Err(err).Msg("upstream read failed")
		s.deps.Metrics.UpstreamError(gatewayerr.KindUpstreamUnavailable.String())
		s.closeWith(gatewayerr.CloseInternalError, "upstream connection lost")
	}
}

// watchIdle closes the session after IdleTimeout without traffic.
func (s *Session) watchIdle() {
	defer s.loops.Done()
	interval := s.cfg.IdleTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle >= s.cfg.IdleTimeout {
				s.log.Info().Dur("idle", idle).Msg("relay idle timeout")
				s.closeWith(gatewayerr.CloseNormal, "idle timeout")
				return
			}
		}
	}
}

// scheduleTrigger injects response.create after ResponseDelay unless the
// session closes first or the client asks for the response itself.
func (s *Session) scheduleTrigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return
	}
	// A new submission ends the window in which a fired trigger can absorb
	// a late client response.create.
	pending := s.triggers[:0]
	for _, tr := range s.triggers {
		if !tr.fired {
			pending = append(pending, tr)
		}
	}
	s.triggers = pending

	tr := &trigger{}
	tr.timer = time.AfterFunc(s.cfg.ResponseDelay, func() {
		s.mu.Lock()
		if tr.cancelled {
			s.mu.Unlock()
			return
		}
		tr.fired = true
		s.mu.Unlock()
		s.fireTrigger()
	})
	s.triggers = append(s.triggers, tr)
}

// claimClientResponse matches a client response.create to the oldest
// submission still tracked. It cancels that submission's pending trigger and
// reports true, or reports false when the trigger already fired and the
// client frame must be dropped.
func (s *Session) claimClientResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.triggers) == 0 {
		return true
	}
	tr := s.triggers[0]
	s.triggers = s.triggers[1:]
	if tr.fired {
		return false
	}
	tr.cancelled = true
	tr.timer.Stop()
	return true
}

func (s *Session) fireTrigger() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	up := s.upstreamConn()
	if up == nil {
		return
	}
	if err := up.WriteMessage(websocket.TextMessage, realtime.ResponseCreate()); err != nil {
		s.log.Debug().Err(err).Msg("trigger write failed")
		return
	}
	s.touch()
	s.mu.Lock()
	s.triggeredAt = time.Now()
	s.mu.Unlock()
	s.deps.Metrics.TriggerInjected()
	s.deps.Metrics.Message(DirectionClient, realtime.EventResponseCreate)
}

func (s *Session) stopTriggers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.triggers {
		tr.cancelled = true
		tr.timer.Stop()
	}
	s.triggers = nil
}

// startToolCall runs a clinic tool and returns its output to the model.
func (s *Session) startToolCall(call realtime.FunctionCall) {
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		start := time.Now()
		output, err := s.deps.Tools.Call(s.ctx, call.Name, call.Arguments)
		s.deps.Metrics.ObserveStage(observability.StageToolCall, time.Since(start))
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.deps.Metrics.ToolCall(call.Name, outcome)
		s.log.Info().
			Str("tool", call.Name).
			Str("call_id", call.CallID).
			Str("outcome", outcome).
			Dur("duration", time.Since(start)).
			Msg("tool call finished")

		item, err := realtime.FunctionCallOutput(call.CallID, output)
		if err != nil {
			s.log.Error().Err(err).Msg("encode tool output")
			return
		}
		if err := s.writeUpstream(websocket.TextMessage, item, realtime.ResponseCreate()); err != nil {
			s.log.Debug().Err(err).Msg("tool output write failed")
		}
	}()
}

// writeUpstream writes frames back to back under the upstream write lock.
// Writes are dropped once the session is closing.
func (s *Session) writeUpstream(msgType int, frames ...[]byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	up := s.upstreamConn()
	if up == nil {
		return errors.New("upstream not connected")
	}
	for _, f := range frames {
		if err := up.WriteMessage(msgType, f); err != nil {
			return err
		}
	}
	s.touch()
	return nil
}

func (s *Session) upstreamConn() upstream.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

// closeWith records the first close code and reason and starts Closing.
// Later calls are no-ops.
func (s *Session) closeWith(code int, reason string) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.closeCode = code
	s.closeReason = gatewayerr.CloseReason(reason)
	handshaking := s.state == StateConnecting
	s.mu.Unlock()
	s.setState(StateClosing)
	s.cancel()
	if handshaking {
		// Unblock the descriptor read.
		_ = s.client.SetReadDeadline(time.Now())
	}
}

// teardown sends close frames to both sides, waits up to CloseGrace for the
// loops to drain, then force-closes the connections.
func (s *Session) teardown() {
	s.stopTriggers()

	s.mu.Lock()
	code, reason, up := s.closeCode, s.closeReason, s.up
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.CloseGrace)
	if err := s.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		s.log.Debug().Err(err).Msg("failed to send close to client")
	}
	if up != nil {
		if err := up.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
			s.log.Debug().Err(err).Msg("failed to send close to upstream")
		}
	}

	drained := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Until(deadline)):
		s.log.Debug().Msg("close grace elapsed, forcing teardown")
	}

	_ = s.client.Close()
	if up != nil {
		_ = up.Close()
	}
	<-drained
	s.calls.Wait()
}

// finish marks the session closed and removes it from the registry.
func (s *Session) finish() {
	s.setState(StateClosed)
	if !s.deps.Registry.Unregister(s.id) {
		return
	}
	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()
	duration := time.Since(s.createdAt)
	s.log.Info().
		Int("close_code", code).
		Str("close_reason", reason).
		Dur("duration", duration).
		Msg("relay session closed")
	s.publish(events.TypeSessionClosed, map[string]any{
		"close_code":  code,
		"reason":      reason,
		"duration_ms": duration.Milliseconds(),
	})
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.deps.Metrics.StateTransition(next.String())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) publish(eventType string, attrs map[string]any) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(context.WithoutCancel(s.ctx), events.New(eventType, s.id, attrs))
}
