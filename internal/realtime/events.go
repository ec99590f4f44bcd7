package realtime

import "encoding/json"

// Client event types.
const (
	EventSessionUpdate          = "session.update"
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
)

// Server event types.
const (
	EventError                       = "error"
	EventSessionCreated              = "session.created"
	EventSessionUpdated              = "session.updated"
	EventConversationItemCreated     = "conversation.item.created"
	EventConversationItemTruncated   = "conversation.item.truncated"
	EventInputTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptionDone      = "conversation.item.input_audio_transcription.done"
	EventInputTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	EventSpeechStarted               = "input_audio_buffer.speech_started"
	EventSpeechStopped               = "input_audio_buffer.speech_stopped"
	EventBufferCommitted             = "input_audio_buffer.committed"
	EventResponseCreated             = "response.created"
	EventResponseDone                = "response.done"
	EventAudioTranscriptDelta        = "response.audio_transcript.delta"
	EventAudioTranscriptDone         = "response.audio_transcript.done"
	EventTextDelta                   = "response.text.delta"
	EventTextDone                    = "response.text.done"
	EventFunctionCallArgumentsDone   = "response.function_call_arguments.done"
)

// ServerEvent is the union of the inbound fields the client reads.
// Transcript and Text are pointers so a terminal event without a payload
// can be told apart from one carrying an empty string.
type ServerEvent struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	Delta      string    `json:"delta,omitempty"`
	Transcript *string   `json:"transcript,omitempty"`
	Text       *string   `json:"text,omitempty"`
	Name       string    `json:"name,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Error      *APIError `json:"error,omitempty"`
}

// APIError is the payload of "error" events and failed transcriptions.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// ParseServerEvent decodes one message from the event channel.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// SessionConfig is the body of session.update.
type SessionConfig struct {
	Modalities              []string                `json:"modalities,omitempty"`
	Instructions            string                  `json:"instructions,omitempty"`
	Voice                   string                  `json:"voice,omitempty"`
	InputAudioFormat        string                  `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                  `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionSettings  `json:"input_audio_transcription,omitempty"`
	InputNoiseReduction     *NoiseReductionSettings `json:"input_audio_noise_reduction,omitempty"`
	TurnDetection           *TurnDetection          `json:"turn_detection,omitempty"`
	Tools                   []ToolDefinition        `json:"tools,omitempty"`
	ToolChoice              string                  `json:"tool_choice,omitempty"`
}

type TranscriptionSettings struct {
	Model string `json:"model"`
}

type NoiseReductionSettings struct {
	Type string `json:"type"`
}

// TurnDetection is the server-side voice activity detection policy.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// ToolDefinition advertises a callable function to the model.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

func newSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: EventSessionUpdate, Session: cfg}
}

func newUserTextItem(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: EventConversationItemCreate,
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func newFunctionOutputItem(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: EventConversationItemCreate,
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

func newResponseCreate() ResponseCreate {
	return ResponseCreate{Type: EventResponseCreate}
}
