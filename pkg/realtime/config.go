package realtime

import (
	"errors"
	"fmt"
	"slices"
)

// Voices lists the synthesized voices a session may select.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// DefaultInstructions is the behavioral preamble used when none is configured.
const DefaultInstructions = "You are a helpful AI assistant. Respond naturally and conversationally."

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	// Type is the detector kind, e.g. "server_vad".
	Type string `json:"type"`

	// Threshold is the activation threshold in [0, 1].
	Threshold float64 `json:"threshold"`

	// PrefixPaddingMs is the audio retained before detected speech.
	PrefixPaddingMs int `json:"prefix_padding_ms"`

	// SilenceDurationMs is the silence after which the turn is considered over.
	SilenceDurationMs int `json:"silence_duration_ms"`
}

// Config is the session configuration sent to the remote endpoint once per
// connection, before any audio is forwarded.
type Config struct {
	Model              string
	Voice              string
	Instructions       string
	Modalities         []string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	TurnDetection      TurnDetection

	// Temperature is optional; zero leaves the server default.
	Temperature float64

	// MaxResponseOutputTokens is optional; zero leaves the server default.
	MaxResponseOutputTokens int
}

// DefaultConfig returns a Config populated with the reference session
// defaults.
func DefaultConfig() Config {
	return Config{
		Model:              "gpt-4o-realtime-preview",
		Voice:              "alloy",
		Instructions:       DefaultInstructions,
		Modalities:         []string{"text", "audio"},
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		TranscriptionModel: "whisper-1",
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
}

// IsValidVoice reports whether v is one of [Voices].
func IsValidVoice(v string) bool {
	return slices.Contains(Voices, v)
}

// Validate reports every problem with c as a joined error.
func (c Config) Validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if !IsValidVoice(c.Voice) {
		errs = append(errs, fmt.Errorf("voice %q is not one of %v", c.Voice, Voices))
	}
	if len(c.Modalities) == 0 {
		errs = append(errs, errors.New("at least one modality is required"))
	}
	for _, m := range c.Modalities {
		if m != "text" && m != "audio" {
			errs = append(errs, fmt.Errorf("unknown modality %q", m))
		}
	}
	td := c.TurnDetection
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("turn_detection.threshold %v must be in [0, 1]", td.Threshold))
	}
	if td.PrefixPaddingMs < 0 {
		errs = append(errs, errors.New("turn_detection.prefix_padding_ms must not be negative"))
	}
	if td.SilenceDurationMs < 0 {
		errs = append(errs, errors.New("turn_detection.silence_duration_ms must not be negative"))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %v must be in [0, 2]", c.Temperature))
	}
	if c.MaxResponseOutputTokens < 0 {
		errs = append(errs, errors.New("max_response_output_tokens must not be negative"))
	}
	return errors.Join(errs...)
}
