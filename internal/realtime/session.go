package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/co-coach/pkg/logger"
)

var (
	// ErrSessionActive is returned when Start is called twice.
	ErrSessionActive = errors.New("voice session already started")
	// ErrSessionEnded is returned when Start is called after End.
	ErrSessionEnded = errors.New("voice session ended")
)

// Capture delivers fixed-size PCM frames in [-1, 1] to sink.
type Capture interface {
	Start(sink func(frame []float32)) error
	Stop() error
}

// Encoder compresses one PCM frame for the outbound audio track.
type Encoder interface {
	Encode(frame []float32) ([]byte, error)
}

// SessionOptions configures one VoiceSession.
type SessionOptions struct {
	Voice         string
	SessionID     string        // durable conversation id; may be empty
	Session       SessionConfig // declared on channel open; Voice and Tools are filled in
	Tools         Tools
	FrameDuration time.Duration // audio per captured frame, 20ms by default
}

// Dependencies are the collaborators a VoiceSession drives.
type Dependencies struct {
	Broker       TokenBroker
	Capture      Capture
	Encoder      Encoder
	Sink         MessageSink
	NewTransport func(onMessage func([]byte)) Transport
}

// VoiceSession owns one realtime conversation: credential, microphone,
// transport and transcript interpreter. It is not reusable after End.
type VoiceSession struct {
	opts      SessionOptions
	deps      Dependencies
	logger    *logger.Logger
	interp    *Interpreter
	transport Transport

	toolCtx    context.Context
	cancelTool context.CancelFunc
	calls      sync.WaitGroup

	mu      sync.Mutex
	started bool
	ended   bool

	frames    atomic.Int64
	dropped   atomic.Int64
	startedAt time.Time
}

// NewVoiceSession wires a session from its dependencies. Nothing is opened until Start.
func NewVoiceSession(opts SessionOptions, deps Dependencies, log *logger.Logger) (*VoiceSession, error) {
	switch {
	case deps.Broker == nil:
		return nil, fmt.Errorf("token broker is required")
	case deps.Capture == nil:
		return nil, fmt.Errorf("audio capture is required")
	case deps.Encoder == nil:
		return nil, fmt.Errorf("audio encoder is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("message sink is required")
	case deps.NewTransport == nil:
		return nil, fmt.Errorf("transport factory is required")
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}

	s := &VoiceSession{
		opts:   opts,
		deps:   deps,
		logger: log.Named("voice").With(String("voice", opts.Voice)),
	}
	s.toolCtx, s.cancelTool = context.WithCancel(context.Background())
	s.interp = NewInterpreter(deps.Sink, opts.SessionID, log)
	if len(opts.Tools) > 0 {
		s.interp.OnFunctionCall(s.dispatch)
	}
	s.transport = deps.NewTransport(s.interp.Handle)

	return s, nil
}

// Interpreter exposes the transcript state machine, mainly for callbacks.
func (s *VoiceSession) Interpreter() *Interpreter {
	return s.interp
}

// BindSession sets the durable conversation that transcripts are written to.
func (s *VoiceSession) BindSession(id string) {
	s.interp.BindSession(id)
}

func (s *VoiceSession) SessionID() string {
	return s.interp.SessionID()
}

func (s *VoiceSession) State() TransportState {
	return s.transport.State()
}

// Start fetches a credential, starts capture and opens the transport.
// Any failure tears down whatever was started and is returned. If End runs
// while Start is in flight, Start releases what it acquired and returns
// ErrSessionEnded.
func (s *VoiceSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.started {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	token, err := s.deps.Broker.Token(ctx, s.opts.Voice)
	if s.isEnded() {
		return ErrSessionEnded
	}
	if err != nil {
		s.End()
		return fmt.Errorf("fetch realtime token: %w", err)
	}

	if err := s.deps.Capture.Start(s.handleFrame); err != nil {
		if s.isEnded() {
			return ErrSessionEnded
		}
		s.End()
		return fmt.Errorf("start audio capture: %w", err)
	}
	if s.isEnded() {
		return s.abandon()
	}

	if err := s.transport.Open(ctx, token, s.sessionConfig()); err != nil {
		if s.isEnded() {
			return s.abandon()
		}
		s.End()
		return fmt.Errorf("open peer transport: %w", err)
	}
	if s.isEnded() {
		return s.abandon()
	}

	s.logger.Info("Voice session started", String("session_id", s.SessionID()))
	return nil
}

func (s *VoiceSession) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// abandon releases capture and transport acquired by a Start that lost the
// race with End. End may already have stopped them; both calls are idempotent.
func (s *VoiceSession) abandon() error {
	if err := s.deps.Capture.Stop(); err != nil {
		s.logger.Warn("Failed to stop audio capture", Error(err))
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("Failed to close transport", Error(err))
	}
	return ErrSessionEnded
}

func (s *VoiceSession) sessionConfig() SessionConfig {
	cfg := s.opts.Session
	if s.opts.Voice != "" {
		cfg.Voice = s.opts.Voice
	}
	if defs := s.opts.Tools.Definitions(); len(defs) > 0 {
		cfg.Tools = defs
		cfg.ToolChoice = "auto"
	}
	return cfg
}

func (s *VoiceSession) handleFrame(frame []float32) {
	n := s.frames.Add(1)

	packet, err := s.deps.Encoder.Encode(frame)
	if err != nil {
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("Failed to encode audio frame", Error(err), logger.Int64("frame", n))
		}
		return
	}

	if err := s.transport.WriteAudio(packet, s.opts.FrameDuration); err != nil {
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Debug("Failed to write audio frame", Error(err), logger.Int64("frame", n))
		}
	}
}

// SendText submits a typed user turn and asks for a response.
func (s *VoiceSession) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("text is empty")
	}
	if s.transport.State() != TransportOpen {
		return ErrChannelNotReady
	}

	if err := s.sendJSON(newUserTextItem(text)); err != nil {
		return err
	}
	return s.sendJSON(newResponseCreate())
}

func (s *VoiceSession) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.transport.Send(data)
}

func (s *VoiceSession) dispatch(call FunctionCall) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logger.Debug("Ignoring tool call after end", String("name", call.Name))
		return
	}
	s.calls.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.calls.Done()

		s.logger.Info("Tool call", String("name", call.Name), String("call_id", call.CallID))
		output := s.opts.Tools.Call(s.toolCtx, call.Name, call.Arguments)

		if err := s.sendJSON(newFunctionOutputItem(call.CallID, output)); err != nil {
			s.logger.Warn("Failed to return tool output", String("name", call.Name), Error(err))
			return
		}
		if err := s.sendJSON(newResponseCreate()); err != nil {
			s.logger.Warn("Failed to request response after tool call", Error(err))
		}
	}()
}

// End stops capture, closes the transport and discards unfinished
// transcripts. Safe to call repeatedly and before Start. Writes already
// handed to the sink are not cancelled.
func (s *VoiceSession) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	startedAt := s.startedAt
	s.mu.Unlock()

	s.cancelTool()

	var errs []error
	if err := s.deps.Capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop audio capture: %w", err))
	}
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	s.interp.Close()

	if !startedAt.IsZero() {
		s.logger.Info("Voice session ended",
			String("session_id", s.SessionID()),
			Duration("duration", time.Since(startedAt)),
			logger.Int64("frames", s.frames.Load()))
	}
	return errors.Join(errs...)
}

// Wait blocks until tool calls and transcript writes already started have
// finished. After End it drains everything; no new work starts once ended.
func (s *VoiceSession) Wait() {
	s.calls.Wait()
	s.interp.Wait()
}
