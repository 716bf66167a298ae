// Command voicechat is a headless realtime voice client. It reads raw PCM16
// microphone audio from a file or stdin, obtains a credential from sandboxd,
// prints the reconciled transcript and writes the assistant's audio out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentsandbox/internal/agents"
	"github.com/MrWong99/agentsandbox/internal/app"
	"github.com/MrWong99/agentsandbox/internal/config"
	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/capture"
	"github.com/MrWong99/agentsandbox/pkg/realtime/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	agentID := flag.String("agent", "", "agent id; overrides client.agent_id")
	input := flag.String("input", "", `PCM16 24kHz mono input file or "-" for stdin; overrides client.input`)
	output := flag.String("output", "", "file receiving assistant PCM16 audio; overrides client.output")
	say := flag.String("say", "", "send this text message once connected")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicechat: %v\n", err)
		return 1
	}
	if *agentID != "" {
		cfg.Client.AgentID = *agentID
	}
	if *input != "" {
		cfg.Client.Input = *input
	}
	if *output != "" {
		cfg.Client.Output = *output
	}

	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Agent ─────────────────────────────────────────────────────────────────
	var agent *agents.Agent
	if id := cfg.Client.AgentID; id != "" {
		hc := &http.Client{Timeout: 10 * time.Second}
		agent, err = app.FetchAgent(ctx, hc, cfg.Client.ServerURL, id)
		if err != nil {
			slog.Error("failed to resolve agent", "id", id, "err", err)
			return 1
		}
		if !agent.SupportsVoice() {
			slog.Error("agent does not support voice", "id", id)
			return 1
		}
		slog.Info("agent resolved", "id", agent.ID, "name", agent.Name, "voice", agent.Voice)
	}

	// ── Audio in/out ──────────────────────────────────────────────────────────
	in, err := openInput(cfg.Client.Input)
	if err != nil {
		slog.Error("failed to open input", "err", err)
		return 1
	}
	defer in.Close()

	out, err := openOutput(cfg.Client.Output)
	if err != nil {
		slog.Error("failed to open output", "err", err)
		return 1
	}
	defer out.Close()

	// ── Session ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterTransports(reg)

	p := &printer{w: os.Stdout}
	onChange, failed := stopOnError(p.onChange)
	audioOut := make(chan []byte, 64)
	opts := []app.VoiceOption{
		app.WithVoiceLogger(logger),
		app.WithHooks(onChange, p.onError, func(pcm []byte) {
			select {
			case audioOut <- pcm:
			default:
				slog.Debug("output audio dropped", "bytes", len(pcm))
			}
		}),
	}
	if agent != nil {
		opts = append(opts, app.WithAgent(agent))
	}
	sess, err := app.NewVoiceSession(cfg, reg, capture.NewReaderDevice(in), opts...)
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}

	if err := sess.Connect(ctx); err != nil {
		slog.Error("connect failed", "err", err)
		_ = sess.Disconnect()
		return 1
	}
	if *say != "" {
		if err := sess.SendText(ctx, *say); err != nil {
			slog.Warn("send text failed", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case pcm := <-audioOut:
				if _, err := out.Write(pcm); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-failed:
			return fmt.Errorf("session ended: %w", err)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return sess.Disconnect()
	})

	if err := g.Wait(); err != nil {
		slog.Error("voicechat stopped with error", "err", err)
		return 1
	}
	return 0
}

// stopOnError wraps onChange and reports the first snapshot that lands in
// the error state, which no longer reconnects on its own.
func stopOnError(onChange func(session.Snapshot)) (func(session.Snapshot), <-chan error) {
	failed := make(chan error, 1)
	var once sync.Once
	return func(s session.Snapshot) {
		onChange(s)
		if s.State != realtime.StateError {
			return
		}
		once.Do(func() {
			err := s.LastError
			if err == nil {
				err = errors.New(s.ErrorMessage)
			}
			failed <- err
		})
	}, failed
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// printer renders state changes and finalized transcript lines once each.
type printer struct {
	w io.Writer

	mu      sync.Mutex
	state   realtime.ConnectionState
	printed map[int64]bool
}

func (p *printer) onChange(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed == nil {
		p.printed = make(map[int64]bool)
	}
	if s.State != p.state {
		fmt.Fprintf(p.w, "* %s\n", s.State)
		p.state = s.State
		if s.State == realtime.StateReconnecting {
			fmt.Fprintf(p.w, "  attempt %d\n", s.Attempts)
		}
	}
	for _, e := range s.Transcript {
		if e.IsInterim || p.printed[e.ID] {
			continue
		}
		p.printed[e.ID] = true
		fmt.Fprintf(p.w, "%s %-9s %s\n", e.Timestamp.Format(time.TimeOnly), e.Role+":", e.Content)
	}
}

func (p *printer) onError(err error) {
	var re *realtime.RemoteError
	if errors.As(err, &re) {
		fmt.Fprintf(p.w, "! remote error %s: %s\n", re.Code, re.Message)
		return
	}
	fmt.Fprintf(p.w, "! %v\n", err)
}
