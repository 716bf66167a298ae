package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/agentsandbox/internal/config"
)

func TestFromConfig(t *testing.T) {
	t.Parallel()
	got := FromConfig([]config.AgentConfig{
		{ID: "tutor", Name: "Tutor", Voice: "sage", Instructions: "Teach.", SupportedModes: []string{"voice"}},
		{ID: "demo", Name: "Demo", IsTestAgent: true},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Voice != "sage" || got[0].Instructions != "Teach." || got[0].IsTestAgent {
		t.Errorf("tutor = %+v", got[0])
	}
	if got[1].SupportedModes == nil {
		t.Error("nil supported modes should become an empty slice")
	}
	if !got[1].IsTestAgent {
		t.Error("demo should be a test agent")
	}
}

func TestMemory_GetAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(
		Agent{ID: "b", Name: "Zed"},
		Agent{ID: "a", Name: "Alpha"},
		Agent{ID: "c", Name: "Alpha"},
	)

	a, err := m.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Name != "Zed" {
		t.Errorf("Name = %q, want Zed", a.Name)
	}

	_, err = m.Get(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}

	list, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	want := []string{"a", "c", "b"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}

	if err := m.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMemory_ReplaceAndIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(Agent{ID: "a", Name: "A"})

	got, _ := m.Get(ctx, "a")
	got.Name = "mutated"
	again, _ := m.Get(ctx, "a")
	if again.Name != "A" {
		t.Errorf("Get returned shared record; Name = %q", again.Name)
	}

	m.Replace([]Agent{{ID: "b", Name: "B"}})
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("a still present after Replace: %v", err)
	}
	if _, err := m.Get(ctx, "b"); err != nil {
		t.Errorf("Get(b): %v", err)
	}
}

func TestAgent_SupportsVoice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		modes []string
		want  bool
	}{
		{nil, true},
		{[]string{"voice"}, true},
		{[]string{"text", "voice"}, true},
		{[]string{"text"}, false},
	}
	for _, tc := range tests {
		a := Agent{SupportedModes: tc.modes}
		if got := a.SupportsVoice(); got != tc.want {
			t.Errorf("SupportsVoice(%v) = %v, want %v", tc.modes, got, tc.want)
		}
	}
}
