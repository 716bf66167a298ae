// Package conversation reconciles classified realtime events into an ordered
// transcript plus the recording and speaking flags of a voice session.
//
// Two turn streams feed the transcript independently. User turns arrive as
// full-text partials that replace each other in place until a final freezes
// them. Assistant turns arrive as incremental deltas that are concatenated
// until a done message freezes them. Entries are never reordered after they
// are appended, so finalized entries appear in the order their finalizing
// events were received.
//
// A Conversation is not safe for concurrent use; the owning session
// serializes access.
package conversation

import (
	"time"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/event"
)

// Option configures a Conversation.
type Option func(*Conversation)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) { c.now = now }
}

// Update describes what a call to [Conversation.Apply] changed.
type Update struct {
	// Transcript is true when an entry was appended or revised.
	Transcript bool

	// Flags is true when the recording or speaking flag flipped.
	Flags bool

	// Finalized holds the entry that was frozen by this event, if any.
	Finalized *realtime.TranscriptEntry
}

// Changed reports whether the update altered any observable state.
func (u Update) Changed() bool { return u.Transcript || u.Flags }

// Conversation is the transcript half of the conversation state machine.
type Conversation struct {
	now func() time.Time

	entries []realtime.TranscriptEntry
	nextID  int64

	// Indices into entries of the open interim entry per role, or -1.
	openUser      int
	openAssistant int

	recording bool
	speaking  bool
}

// New returns an empty Conversation.
func New(opts ...Option) *Conversation {
	c := &Conversation{
		now:           time.Now,
		openUser:      -1,
		openAssistant: -1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply folds ev into the conversation. Events that do not concern the
// transcript or flags, including [event.Unknown], return a zero Update.
func (c *Conversation) Apply(ev event.Event) Update {
	switch e := ev.(type) {
	case event.SpeechStarted:
		return c.setRecording(true)
	case event.SpeechStopped:
		return c.setRecording(false)
	case event.InputTranscriptPartial:
		return c.userPartial(e.Text)
	case event.InputTranscriptFinal:
		u := c.userFinal(e.Text)
		if c.recording {
			c.recording = false
			u.Flags = true
		}
		return u
	case event.OutputAudioStarted:
		return c.setSpeaking(true)
	case event.OutputAudioDone:
		return c.setSpeaking(false)
	case event.OutputTranscriptDelta:
		return c.assistantDelta(e.Text)
	case event.OutputTranscriptDone:
		return c.assistantDone(e.Text)
	}
	return Update{}
}

func (c *Conversation) setRecording(v bool) Update {
	if c.recording == v {
		return Update{}
	}
	c.recording = v
	return Update{Flags: true}
}

func (c *Conversation) setSpeaking(v bool) Update {
	if c.speaking == v {
		return Update{}
	}
	c.speaking = v
	return Update{Flags: true}
}

func (c *Conversation) userPartial(text string) Update {
	if c.openUser >= 0 {
		if c.entries[c.openUser].Content == text {
			return Update{}
		}
		c.entries[c.openUser].Content = text
		return Update{Transcript: true}
	}
	if text == "" {
		return Update{}
	}
	c.openUser = c.append(realtime.RoleUser, text, true)
	return Update{Transcript: true}
}

func (c *Conversation) userFinal(text string) Update {
	if c.openUser >= 0 {
		idx := c.openUser
		c.openUser = -1
		if text != "" {
			c.entries[idx].Content = text
		}
		return c.finalize(idx)
	}
	if text == "" {
		return Update{}
	}
	return c.finalize(c.append(realtime.RoleUser, text, false))
}

func (c *Conversation) assistantDelta(text string) Update {
	if text == "" {
		return Update{}
	}
	if c.openAssistant >= 0 {
		c.entries[c.openAssistant].Content += text
		return Update{Transcript: true}
	}
	c.openAssistant = c.append(realtime.RoleAssistant, text, true)
	return Update{Transcript: true}
}

func (c *Conversation) assistantDone(text string) Update {
	if c.openAssistant >= 0 {
		idx := c.openAssistant
		c.openAssistant = -1
		if text != "" {
			c.entries[idx].Content = text
		}
		return c.finalize(idx)
	}
	if text == "" {
		return Update{}
	}
	return c.finalize(c.append(realtime.RoleAssistant, text, false))
}

func (c *Conversation) append(role realtime.Role, text string, interim bool) int {
	c.nextID++
	c.entries = append(c.entries, realtime.TranscriptEntry{
		ID:        c.nextID,
		Role:      role,
		Content:   text,
		Timestamp: c.now(),
		IsInterim: interim,
	})
	return len(c.entries) - 1
}

func (c *Conversation) finalize(idx int) Update {
	c.entries[idx].IsInterim = false
	fin := c.entries[idx]
	return Update{Transcript: true, Finalized: &fin}
}

// Transcript returns a copy of the entries in append order.
func (c *Conversation) Transcript() []realtime.TranscriptEntry {
	out := make([]realtime.TranscriptEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Conversation) Len() int { return len(c.entries) }

// Recording reports whether the user is currently speaking.
func (c *Conversation) Recording() bool { return c.recording }

// Speaking reports whether the assistant is currently producing audio.
func (c *Conversation) Speaking() bool { return c.speaking }

// Reset clears the transcript and both flags. Entry IDs keep increasing so
// that IDs stay unique across a reset.
func (c *Conversation) Reset() {
	c.entries = nil
	c.openUser = -1
	c.openAssistant = -1
	c.recording = false
	c.speaking = false
}
