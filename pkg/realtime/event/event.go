// Package event classifies inbound realtime protocol messages into a closed set
// of typed events and defines the outbound client messages.
//
// Classification is a pure function of the raw message: there is no I/O and no
// shared state, so [Classify] may be called concurrently. Message shapes that
// are not recognized classify as [Unknown] and are meant to be ignored by
// consumers, which keeps older clients working against newer servers.
package event

// Kind names a classified event.
type Kind string

const (
	KindSpeechStarted          Kind = "speech-started"
	KindSpeechStopped          Kind = "speech-stopped"
	KindInputTranscriptPartial Kind = "input-transcript-partial"
	KindInputTranscriptFinal   Kind = "input-transcript-final"
	KindOutputAudioStarted     Kind = "output-audio-started"
	KindOutputAudioDone        Kind = "output-audio-done"
	KindOutputTranscriptDelta  Kind = "output-transcript-delta"
	KindOutputTranscriptDone   Kind = "output-transcript-done"
	KindSessionCreated         Kind = "session-created"
	KindSessionUpdated         Kind = "session-updated"
	KindRemoteError            Kind = "remote-error"
	KindUnknown                Kind = "unknown"
)

// Event is a classified inbound message. The set of implementations is closed;
// switch on the concrete type and ignore [Unknown].
type Event interface {
	Kind() Kind
	sealed()
}

// SpeechStarted reports that the remote voice activity detector heard the user
// start speaking.
type SpeechStarted struct{}

// SpeechStopped reports that the user stopped speaking.
type SpeechStopped struct{}

// InputTranscriptPartial carries the full provisional text of the open user
// turn. Each partial restates the whole text so far.
type InputTranscriptPartial struct {
	Text string
}

// InputTranscriptFinal carries the authoritative text of the user turn.
type InputTranscriptFinal struct {
	Text string
}

// OutputAudioStarted reports that the assistant began producing audio.
type OutputAudioStarted struct{}

// OutputAudioDone reports that the assistant finished producing audio.
type OutputAudioDone struct{}

// OutputTranscriptDelta carries an incremental chunk of assistant text.
type OutputTranscriptDelta struct {
	Text string
}

// OutputTranscriptDone closes the assistant turn. Text is the complete
// transcript when the remote supplies one.
type OutputTranscriptDone struct {
	Text string
}

// SessionCreated is an informational acknowledgement of a new session.
type SessionCreated struct{}

// SessionUpdated acknowledges a session configuration message.
type SessionUpdated struct{}

// RemoteError is a protocol-level error reported by the remote endpoint.
type RemoteError struct {
	Code    string
	Message string
}

// Unknown is any message the interpreter does not recognize. Type is the raw
// type tag, empty when the message had none or was not valid JSON.
type Unknown struct {
	Type string
}

func (SpeechStarted) Kind() Kind          { return KindSpeechStarted }
func (SpeechStopped) Kind() Kind          { return KindSpeechStopped }
func (InputTranscriptPartial) Kind() Kind { return KindInputTranscriptPartial }
func (InputTranscriptFinal) Kind() Kind   { return KindInputTranscriptFinal }
func (OutputAudioStarted) Kind() Kind     { return KindOutputAudioStarted }
func (OutputAudioDone) Kind() Kind        { return KindOutputAudioDone }
func (OutputTranscriptDelta) Kind() Kind  { return KindOutputTranscriptDelta }
func (OutputTranscriptDone) Kind() Kind   { return KindOutputTranscriptDone }
func (SessionCreated) Kind() Kind         { return KindSessionCreated }
func (SessionUpdated) Kind() Kind         { return KindSessionUpdated }
func (RemoteError) Kind() Kind            { return KindRemoteError }
func (Unknown) Kind() Kind                { return KindUnknown }

func (SpeechStarted) sealed()          {}
func (SpeechStopped) sealed()          {}
func (InputTranscriptPartial) sealed() {}
func (InputTranscriptFinal) sealed()   {}
func (OutputAudioStarted) sealed()     {}
func (OutputAudioDone) sealed()        {}
func (OutputTranscriptDelta) sealed()  {}
func (OutputTranscriptDone) sealed()   {}
func (SessionCreated) sealed()         {}
func (SessionUpdated) sealed()         {}
func (RemoteError) sealed()            {}
func (Unknown) sealed()                {}
