package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client event types (client -> provider).
const (
	EventSessionUpdate          = "session.update"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventInputAudioBufferCommit = "input_audio_buffer.commit"
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
	EventResponseCancel         = "response.cancel"
)

// Server event types (provider -> client) the gateway reacts to.
const (
	EventError                     = "error"
	EventSessionCreated            = "session.created"
	EventSessionUpdated            = "session.updated"
	EventResponseCreated           = "response.created"
	EventResponseAudioDelta        = "response.audio.delta"
	EventResponseDone              = "response.done"
	EventFunctionCallArgumentsDone = "response.function_call_arguments.done"
)

// Conversation item types.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

var ErrNotJSON = errors.New("frame is not a JSON object")

// Envelope is the minimal view of a realtime event used for classification.
// Frames are always relayed as the original bytes.
type Envelope struct {
	Type  string `json:"type"`
	Item  *Item  `json:"item,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`

	// Some browser clients send the item under conversation_item.
	ConversationItem *Item `json:"conversation_item,omitempty"`

	// Set on response.function_call_arguments.done.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type Item struct {
	Type   string `json:"type"`
	Role   string `json:"role,omitempty"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// Classify decodes the envelope fields of a frame. Non-JSON frames return ErrNotJSON.
func Classify(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return env, nil
}

// IsContentSubmission reports whether a client event adds user content that
// should be followed by a response.create trigger.
func IsContentSubmission(env Envelope) bool {
	if env.Type != EventConversationItemCreate {
		return false
	}
	item := env.Item
	if item == nil {
		item = env.ConversationItem
	}
	if item == nil {
		return true
	}
	return item.Type != ItemFunctionCallOutput
}

// FunctionCall is a completed model tool invocation.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// AsFunctionCall extracts a completed function call from a server event.
func AsFunctionCall(env Envelope) (FunctionCall, bool) {
	if env.Type != EventFunctionCallArgumentsDone || env.CallID == "" || env.Name == "" {
		return FunctionCall{}, false
	}
	return FunctionCall{CallID: env.CallID, Name: env.Name, Arguments: env.Arguments}, true
}

var responseCreateFrame = []byte(`{"type":"response.create"}`)

// ResponseCreate returns the trigger frame that asks the provider to respond.
func ResponseCreate() []byte {
	out := make([]byte, len(responseCreateFrame))
	copy(out, responseCreateFrame)
	return out
}

// FunctionCallOutput builds the conversation.item.create that returns a tool result.
func FunctionCallOutput(callID, output string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": EventConversationItemCreate,
		"item": Item{
			Type:   ItemFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	})
}

// SessionConfig is the session.update payload sent after the upstream opens.
type SessionConfig struct {
	Instructions string            `json:"instructions,omitempty"`
	Voice        string            `json:"voice,omitempty"`
	Tools        []json.RawMessage `json:"tools,omitempty"`
	ToolChoice   string            `json:"tool_choice,omitempty"`
}

// SessionUpdate encodes a session.update event.
func SessionUpdate(cfg SessionConfig) ([]byte, error) {
	if len(cfg.Tools) > 0 && cfg.ToolChoice == "" {
		cfg.ToolChoice = "auto"
	}
	return json.Marshal(struct {
		Type    string        `json:"type"`
		Session SessionConfig `json:"session"`
	}{Type: EventSessionUpdate, Session: cfg})
}
