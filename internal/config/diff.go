package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RateLimitChanged is true when requests or window changed. A backend
	// switch needs a restart and is not reported.
	RateLimitChanged bool

	AgentsChanged bool
	AgentChanges  []AgentDiff
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RateLimitChanged && !d.AgentsChanged
}

// AgentDiff describes what changed for one statically defined agent.
type AgentDiff struct {
	ID                  string
	Added               bool
	Removed             bool
	VoiceChanged        bool
	InstructionsChanged bool
	AccessChanged       bool
	DetailsChanged      bool
}

func (a AgentDiff) changed() bool {
	return a.Added || a.Removed || a.VoiceChanged || a.InstructionsChanged || a.AccessChanged || a.DetailsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.RateLimit.Requests != new.RateLimit.Requests || old.RateLimit.Window != new.RateLimit.Window {
		d.RateLimitChanged = true
	}

	oldAgents := make(map[string]*AgentConfig, len(old.Agents.Definitions))
	for i := range old.Agents.Definitions {
		oldAgents[old.Agents.Definitions[i].ID] = &old.Agents.Definitions[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents.Definitions))
	for i := range new.Agents.Definitions {
		newAgents[new.Agents.Definitions[i].ID] = &new.Agents.Definitions[i]
	}

	// Walk in new-config order, then collect removals, so the result is
	// deterministic.
	for _, a := range new.Agents.Definitions {
		prev, ok := oldAgents[a.ID]
		if !ok {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: a.ID, Added: true})
			continue
		}
		if ad := diffAgent(prev, newAgents[a.ID]); ad.changed() {
			d.AgentChanges = append(d.AgentChanges, ad)
		}
	}
	for _, a := range old.Agents.Definitions {
		if _, ok := newAgents[a.ID]; !ok {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: a.ID, Removed: true})
		}
	}
	d.AgentsChanged = len(d.AgentChanges) > 0
	return d
}

func diffAgent(old, new *AgentConfig) AgentDiff {
	return AgentDiff{
		ID:                  new.ID,
		VoiceChanged:        old.Voice != new.Voice,
		InstructionsChanged: old.Instructions != new.Instructions,
		AccessChanged:       old.IsTestAgent != new.IsTestAgent,
		DetailsChanged: old.Name != new.Name || old.Description != new.Description ||
			!slices.Equal(old.SupportedModes, new.SupportedModes),
	}
}
