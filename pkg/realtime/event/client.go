package event

import (
	"encoding/base64"
	"encoding/json"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
)

// Client message type tags.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioAppend       = "input_audio_buffer.append"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// ClientEvent is an outbound message. Implementations marshal to JSON with
// their type tag included.
type ClientEvent interface {
	EventType() string
}

// Encode marshals ev to its wire form.
func Encode(ev ClientEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// ── session.update ────────────────────────────────────────────────────────────

// SessionUpdate configures the remote session. It must be the first message
// on a new connection.
type SessionUpdate struct {
	Session SessionParams `json:"session"`
}

// SessionParams is the session block of [SessionUpdate].
type SessionParams struct {
	Modalities              []string                `json:"modalities"`
	Instructions            string                  `json:"instructions,omitempty"`
	Voice                   string                  `json:"voice,omitempty"`
	InputAudioFormat        string                  `json:"input_audio_format"`
	OutputAudioFormat       string                  `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionParams    `json:"input_audio_transcription,omitempty"`
	TurnDetection           *realtime.TurnDetection `json:"turn_detection,omitempty"`
	Temperature             float64                 `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                     `json:"max_response_output_tokens,omitempty"`
}

// TranscriptionParams selects the input transcription model.
type TranscriptionParams struct {
	Model string `json:"model"`
}

// NewSessionUpdate builds the configuration message for cfg.
func NewSessionUpdate(cfg realtime.Config) SessionUpdate {
	p := SessionParams{
		Modalities:              cfg.Modalities,
		Instructions:            cfg.Instructions,
		Voice:                   cfg.Voice,
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
	}
	if cfg.TranscriptionModel != "" {
		p.InputAudioTranscription = &TranscriptionParams{Model: cfg.TranscriptionModel}
	}
	if cfg.TurnDetection.Type != "" {
		td := cfg.TurnDetection
		p.TurnDetection = &td
	}
	return SessionUpdate{Session: p}
}

func (SessionUpdate) EventType() string { return TypeSessionUpdate }

func (m SessionUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string        `json:"type"`
		Session SessionParams `json:"session"`
	}{TypeSessionUpdate, m.Session})
}

// ── input_audio_buffer.append ────────────────────────────────────────────────

// InputAudioAppend carries one frame of microphone PCM.
type InputAudioAppend struct {
	// Audio is base64-encoded PCM16.
	Audio string `json:"audio"`
}

// NewInputAudioAppend encodes pcm into an append message.
func NewInputAudioAppend(pcm []byte) InputAudioAppend {
	return InputAudioAppend{Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func (InputAudioAppend) EventType() string { return TypeInputAudioAppend }

func (m InputAudioAppend) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{TypeInputAudioAppend, m.Audio})
}

// ── conversation.item.create ─────────────────────────────────────────────────

// ConversationItemCreate injects an item into the remote conversation.
type ConversationItemCreate struct {
	Item ConversationItem `json:"item"`
}

// ConversationItem is a message item.
type ConversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []ConversationPart `json:"content,omitempty"`
}

// ConversationPart is one content part of a [ConversationItem].
type ConversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewUserText builds a user text message item.
func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{Item: ConversationItem{
		Type:    "message",
		Role:    string(realtime.RoleUser),
		Content: []ConversationPart{{Type: "input_text", Text: text}},
	}}
}

func (ConversationItemCreate) EventType() string { return TypeConversationItemCreate }

func (m ConversationItemCreate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string           `json:"type"`
		Item ConversationItem `json:"item"`
	}{TypeConversationItemCreate, m.Item})
}

// ── response.create / response.cancel ────────────────────────────────────────

// ResponseCreate asks the remote to produce a response. A nil Response uses
// the session defaults.
type ResponseCreate struct {
	Response *ResponseParams `json:"response,omitempty"`
}

// ResponseParams overrides session defaults for one response.
type ResponseParams struct {
	Modalities []string `json:"modalities,omitempty"`
}

func (ResponseCreate) EventType() string { return TypeResponseCreate }

func (m ResponseCreate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string          `json:"type"`
		Response *ResponseParams `json:"response,omitempty"`
	}{TypeResponseCreate, m.Response})
}

// ResponseCancel interrupts the in-progress response.
type ResponseCancel struct{}

func (ResponseCancel) EventType() string { return TypeResponseCancel }

func (ResponseCancel) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"` + TypeResponseCancel + `"}`), nil
}
