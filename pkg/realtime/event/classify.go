package event

import (
	"encoding/base64"
	"encoding/json"
)

// Server message type tags.
const (
	TypeSpeechStarted = "input_audio_buffer.speech_started"
	TypeSpeechStopped = "input_audio_buffer.speech_stopped"

	TypeInputTranscriptionPartial       = "input_audio_transcription.partial"
	TypeInputTranscriptionCompleted     = "input_audio_transcription.completed"
	TypeItemInputTranscriptionPartial   = "conversation.item.input_audio_transcription.partial"
	TypeItemInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"

	TypeAudioDelta          = "response.audio.delta"
	TypeOutputAudioDelta    = "response.output_audio.delta"
	TypeAudioDone           = "response.audio.done"
	TypeOutputBufferStarted = "output_audio_buffer.started"
	TypeOutputBufferStopped = "output_audio_buffer.stopped"
	TypeLegacyAudioStart    = "audio.start"
	TypeLegacyAudioDone     = "audio.done"

	TypeAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeAudioTranscriptDone  = "response.audio_transcript.done"
	TypeTextDelta            = "response.text.delta"
	TypeTextDone             = "response.text.done"

	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"
	TypeError          = "error"
)

// ErrorDetail is the nested error object of an error message:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Envelope is the loosely typed wire shape of a server message. Only the
// fields the interpreter reads are decoded.
type Envelope struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta / response.text.delta
	Delta string `json:"delta,omitempty"`

	// transcription messages and response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	Error *ErrorDetail `json:"error,omitempty"`
}

// ParseEnvelope decodes raw into an Envelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// Classify maps a raw inbound message to its event. Malformed JSON and
// unrecognized types yield [Unknown]; Classify never fails.
func Classify(raw []byte) Event {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return Unknown{}
	}
	return ClassifyEnvelope(env)
}

// ClassifyEnvelope maps an already decoded envelope to its event. Audio delta
// messages classify as [Unknown]; transports route them with [AudioPayload].
func ClassifyEnvelope(env Envelope) Event {
	switch env.Type {
	case TypeSpeechStarted:
		return SpeechStarted{}
	case TypeSpeechStopped:
		return SpeechStopped{}

	case TypeInputTranscriptionPartial, TypeItemInputTranscriptionPartial:
		return InputTranscriptPartial{Text: env.Transcript}
	case TypeInputTranscriptionCompleted, TypeItemInputTranscriptionCompleted:
		return InputTranscriptFinal{Text: env.Transcript}

	case TypeOutputBufferStarted, TypeLegacyAudioStart:
		return OutputAudioStarted{}
	case TypeAudioDone, TypeOutputBufferStopped, TypeLegacyAudioDone:
		return OutputAudioDone{}

	case TypeAudioTranscriptDelta, TypeTextDelta:
		return OutputTranscriptDelta{Text: env.Delta}
	case TypeAudioTranscriptDone:
		return OutputTranscriptDone{Text: env.Transcript}
	case TypeTextDone:
		return OutputTranscriptDone{Text: env.Text}

	case TypeSessionCreated:
		return SessionCreated{}
	case TypeSessionUpdated:
		return SessionUpdated{}

	case TypeError:
		re := RemoteError{Message: "unknown error"}
		if env.Error != nil {
			re.Code = env.Error.Code
			if env.Error.Message != "" {
				re.Message = env.Error.Message
			}
		}
		return re
	}
	return Unknown{Type: env.Type}
}

// IsAudio reports whether env carries an inbound audio frame.
func IsAudio(env Envelope) bool {
	return env.Type == TypeAudioDelta || env.Type == TypeOutputAudioDelta
}

// AudioPayload decodes the base64 PCM of an audio delta message. ok is false
// for non-audio messages and for empty or undecodable payloads.
func AudioPayload(env Envelope) (pcm []byte, ok bool) {
	if !IsAudio(env) || env.Delta == "" {
		return nil, false
	}
	pcm, err := base64.StdEncoding.DecodeString(env.Delta)
	if err != nil || len(pcm) == 0 {
		return nil, false
	}
	return pcm, true
}
