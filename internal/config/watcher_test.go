package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/agentsandbox/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
agents:
  definitions:
    - id: concierge
      name: Concierge
`

const watcherUpdatedYAML = `
server:
  log_level: debug
agents:
  definitions:
    - id: concierge
      name: Concierge
      voice: sage
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// writeConfig writes content and pushes the mtime forward so the watcher
// sees a change even on filesystems with coarse timestamps.
func writeConfig(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func newWatcher(t *testing.T, content string, onChange func(old, new *config.Config, d config.ConfigDiff), opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, content, time.Hour)
	w, err := config.NewWatcher(path, onChange, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestNewWatcher(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, nil)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherInvalidYAML, time.Hour)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("expected error for invalid initial config")
	}
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	var calls []config.ConfigDiff
	w, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config, d config.ConfigDiff) {
		calls = append(calls, d)
	})

	if _, err := w.Reload(); !errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("Reload unchanged = %v, want ErrUnchanged", err)
	}

	writeConfig(t, path, watcherInvalidYAML, 0)
	if _, err := w.Reload(); err == nil || errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("Reload invalid = %v, want validation error", err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("after invalid edit log_level = %q, want previous info", got)
	}

	writeConfig(t, path, watcherUpdatedYAML, 0)
	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !d.LogLevelChanged || !d.AgentsChanged || len(d.AgentChanges) != 1 || !d.AgentChanges[0].VoiceChanged {
		t.Errorf("diff = %+v", d)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current().log_level = %q, want debug", got)
	}
	if len(calls) != 1 {
		t.Errorf("onChange calls = %d, want 1", len(calls))
	}
}

func TestWatcher_ReloadNothingHotReloadable(t *testing.T) {
	t.Parallel()
	called := false
	w, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config, _ config.ConfigDiff) {
		called = true
	})

	writeConfig(t, path, watcherValidYAML+"  # comment only\n", 0)
	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !d.Empty() {
		t.Errorf("diff = %+v, want empty", d)
	}
	if called {
		t.Error("onChange called for an empty diff")
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	changed := make(chan config.ConfigDiff, 1)
	w, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config, d config.ConfigDiff) {
		changed <- d
	}, config.WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeConfig(t, path, watcherUpdatedYAML, 0)
	select {
	case d := <-changed:
		if !d.LogLevelChanged {
			t.Errorf("diff = %+v, want log level change", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
