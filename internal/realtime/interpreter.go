package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/yegors/co-coach/pkg/logger"
)

// Import logger functions
var (
	String   = logger.String
	Int      = logger.Int
	Error    = logger.Error
	Duration = logger.Duration
)

// Role identifies who spoke an utterance.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UtteranceState is the per-role transcript state.
type UtteranceState int

const (
	Idle UtteranceState = iota
	Accumulating
)

func (s UtteranceState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	default:
		return "unknown"
	}
}

// MessageSink receives finalized utterances.
type MessageSink interface {
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	// MostRecentOpenSession returns "" when no open session exists.
	MostRecentOpenSession(ctx context.Context) (string, error)
}

// FunctionCall is a completed tool invocation requested by the model.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

type utterance struct {
	state UtteranceState
	text  strings.Builder
}

// Interpreter turns inbound realtime events into finalized utterances and
// hands them to a MessageSink. Writes are fire-and-forget; Wait blocks until
// the ones already started have returned. Once Close has run no new writes
// start, so Close followed by Wait drains everything.
type Interpreter struct {
	sink         MessageSink
	logger       *logger.Logger
	writeTimeout time.Duration

	mu          sync.Mutex
	sessionID   string
	roles       map[Role]*utterance
	onUtterance func(Role, string)
	onCall      func(FunctionCall)
	closed      bool

	writes sync.WaitGroup
}

// NewInterpreter creates an interpreter bound to sessionID, which may be empty.
func NewInterpreter(sink MessageSink, sessionID string, log *logger.Logger) *Interpreter {
	return &Interpreter{
		sink:         sink,
		logger:       log.Named("interpreter"),
		writeTimeout: 10 * time.Second,
		sessionID:    sessionID,
		roles: map[Role]*utterance{
			RoleUser:      {},
			RoleAssistant: {},
		},
	}
}

// OnUtterance registers a callback invoked with every finalized, non-empty utterance.
func (in *Interpreter) OnUtterance(fn func(role Role, text string)) {
	in.mu.Lock()
	in.onUtterance = fn
	in.mu.Unlock()
}

// OnFunctionCall registers the tool dispatch callback.
func (in *Interpreter) OnFunctionCall(fn func(FunctionCall)) {
	in.mu.Lock()
	in.onCall = fn
	in.mu.Unlock()
}

// BindSession sets the session that subsequent utterances are written to.
func (in *Interpreter) BindSession(id string) {
	in.mu.Lock()
	in.sessionID = id
	in.mu.Unlock()
}

func (in *Interpreter) SessionID() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.sessionID
}

// Pending returns the accumulated, not yet finalized text for role.
func (in *Interpreter) Pending(role Role) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.roles[role].text.String()
}

func (in *Interpreter) State(role Role) UtteranceState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.roles[role].state
}

// Reset discards both buffers without persisting them.
func (in *Interpreter) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, u := range in.roles {
		u.state = Idle
		u.text.Reset()
	}
}

// Close discards both buffers and ignores every later event.
func (in *Interpreter) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	for _, u := range in.roles {
		u.state = Idle
		u.text.Reset()
	}
}

func (in *Interpreter) isClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Wait blocks until in-flight writes have finished. While events are still
// arriving it may return before a write that starts concurrently; call Close
// first for a complete drain.
func (in *Interpreter) Wait() {
	in.writes.Wait()
}

// Handle decodes and processes one event channel message.
func (in *Interpreter) Handle(data []byte) {
	ev, err := ParseServerEvent(data)
	if err != nil {
		in.logger.Warn("Failed to parse realtime event", Error(err), Int("length", len(data)))
		return
	}
	in.HandleEvent(ev)
}

// HandleEvent processes one decoded event. Unknown types are ignored.
func (in *Interpreter) HandleEvent(ev ServerEvent) {
	if in.isClosed() {
		in.logger.Debug("Ignoring event after close", String("type", ev.Type))
		return
	}

	switch ev.Type {
	case EventInputTranscriptionDelta:
		in.accumulate(RoleUser, ev.Delta)

	case EventInputTranscriptionCompleted, EventInputTranscriptionDone:
		in.finalize(RoleUser, ev.Transcript)

	case EventInputTranscriptionFailed:
		in.discard(RoleUser)
		fields := []logger.Field{String("item_id", ev.ItemID)}
		if ev.Error != nil {
			fields = append(fields, String("error_message", ev.Error.Message))
		}
		in.logger.Warn("Input transcription failed", fields...)

	case EventAudioTranscriptDelta, EventTextDelta:
		in.accumulate(RoleAssistant, ev.Delta)

	case EventAudioTranscriptDone:
		in.finalize(RoleAssistant, ev.Transcript)

	case EventTextDone:
		in.finalize(RoleAssistant, ev.Text)

	case EventFunctionCallArgumentsDone:
		in.mu.Lock()
		onCall := in.onCall
		in.mu.Unlock()
		if onCall == nil {
			in.logger.Warn("Function call requested but no tools are registered", String("name", ev.Name))
			return
		}
		onCall(FunctionCall{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments})

	case EventError:
		if ev.Error != nil {
			in.logger.Error("Realtime API error",
				String("error_type", ev.Error.Type),
				String("code", ev.Error.Code),
				String("message", ev.Error.Message))
		} else {
			in.logger.Error("Realtime API error without details")
		}

	case EventSessionCreated, EventSessionUpdated, EventResponseCreated, EventResponseDone,
		EventSpeechStarted, EventSpeechStopped, EventBufferCommitted,
		EventConversationItemCreated, EventConversationItemTruncated:
		in.logger.Debug("Realtime event", String("type", ev.Type), String("item_id", ev.ItemID))

	default:
		in.logger.Debug("Ignoring realtime event", String("type", ev.Type))
	}
}

func (in *Interpreter) accumulate(role Role, delta string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	u := in.roles[role]
	u.state = Accumulating
	u.text.WriteString(delta)
}

func (in *Interpreter) discard(role Role) {
	in.mu.Lock()
	defer in.mu.Unlock()
	u := in.roles[role]
	u.state = Idle
	u.text.Reset()
}

// finalize closes the current utterance for role. A non-nil payload wins
// over the delta buffer; the buffer is cleared either way.
func (in *Interpreter) finalize(role Role, payload *string) {
	in.mu.Lock()
	u := in.roles[role]
	text := u.text.String()
	if payload != nil {
		text = *payload
	}
	u.state = Idle
	u.text.Reset()
	sessionID := in.sessionID
	onUtterance := in.onUtterance
	in.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if onUtterance != nil {
		onUtterance(role, text)
	}

	if sessionID == "" {
		sessionID = in.resolveSession()
	}
	if sessionID == "" {
		in.logger.Warn("Dropping utterance: no session bound and no open session found",
			String("role", string(role)),
			Int("length", len(text)))
		return
	}

	in.persist(sessionID, role, text)
}

// resolveSession makes the single fallback lookup for an unbound interpreter.
func (in *Interpreter) resolveSession() string {
	ctx, cancel := context.WithTimeout(context.Background(), in.writeTimeout)
	defer cancel()

	id, err := in.sink.MostRecentOpenSession(ctx)
	if err != nil {
		in.logger.Error("Failed to look up open session", Error(err))
		return ""
	}
	if id == "" {
		return ""
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.sessionID == "" {
		in.sessionID = id
		in.logger.Info("Bound to most recent open session", String("session_id", id))
	}
	return in.sessionID
}

func (in *Interpreter) persist(sessionID string, role Role, text string) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		in.logger.Debug("Dropping utterance finalized after close", String("role", string(role)))
		return
	}
	in.writes.Add(1)
	in.mu.Unlock()

	go func() {
		defer in.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), in.writeTimeout)
		defer cancel()

		start := time.Now()
		if err := in.sink.AppendMessage(ctx, sessionID, string(role), text); err != nil {
			in.logger.Error("Failed to persist utterance",
				String("session_id", sessionID),
				String("role", string(role)),
				Error(err))
			return
		}
		in.logger.Debug("Persisted utterance",
			String("session_id", sessionID),
			String("role", string(role)),
			Duration("took", time.Since(start)))
	}()
}
