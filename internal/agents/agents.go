// Package agents serves the read-only agent records a voice session can be
// bound to. An agent supplies the instructions and voice of the minted
// session and decides whether anonymous callers may use it.
//
// Two [Source] implementations exist: [Memory], populated from the static
// config definitions and swapped atomically on hot reload, and [Postgres],
// which reads the agent_definitions table.
package agents

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/agentsandbox/internal/config"
)

// ErrNotFound is returned by [Source.Get] for an unknown id.
var ErrNotFound = errors.New("agents: not found")

// Agent is one agent record as exposed by GET /api/agents.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Voice          string    `json:"voice,omitempty"`
	Instructions   string    `json:"instructions,omitempty"`
	SupportedModes []string  `json:"supportedModes"`
	IsTestAgent    bool      `json:"isTestAgent"`
	CreatedAt      time.Time `json:"createdAt,omitzero"`
	UpdatedAt      time.Time `json:"updatedAt,omitzero"`
}

// SupportsVoice reports whether the agent accepts voice sessions. An agent
// that declares no modes supports everything.
func (a *Agent) SupportsVoice() bool {
	if len(a.SupportedModes) == 0 {
		return true
	}
	for _, m := range a.SupportedModes {
		if m == "voice" {
			return true
		}
	}
	return false
}

// Source provides agent records. Implementations must be safe for
// concurrent use.
type Source interface {
	// Get returns the agent with id, or an error wrapping [ErrNotFound].
	Get(ctx context.Context, id string) (*Agent, error)

	// List returns every agent ordered by name.
	List(ctx context.Context) ([]Agent, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// FromConfig converts static config definitions into agent records.
func FromConfig(defs []config.AgentConfig) []Agent {
	out := make([]Agent, 0, len(defs))
	for _, d := range defs {
		modes := d.SupportedModes
		if modes == nil {
			modes = []string{}
		}
		out = append(out, Agent{
			ID:             d.ID,
			Name:           d.Name,
			Description:    d.Description,
			Voice:          d.Voice,
			Instructions:   d.Instructions,
			SupportedModes: modes,
			IsTestAgent:    d.IsTestAgent,
		})
	}
	return out
}
