package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// installTracer swaps in a synchronous in-memory tracer provider for the
// duration of the test. Tests using it must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "op")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 hex characters", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartMintSpan(t *testing.T) {
	exp := installTracer(t)

	tests := []struct {
		name      string
		agentID   string
		err       error
		wantAgent bool
		wantCode  codes.Code
	}{
		{"ok with agent", "demo", nil, true, codes.Unset},
		{"failed without agent", "", errors.New("upstream 500"), false, codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp.Reset()
			_, span := StartMintSpan(context.Background(), tt.agentID, "coral", "gpt-realtime")
			EndSpan(span, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != "mint.upstream" || s.SpanKind != trace.SpanKindClient {
				t.Errorf("span = %q kind %v, want mint.upstream client", s.Name, s.SpanKind)
			}
			attrs := make(map[string]string)
			for _, kv := range s.Attributes {
				attrs[string(kv.Key)] = kv.Value.AsString()
			}
			if attrs["sandbox.voice"] != "coral" || attrs["sandbox.model"] != "gpt-realtime" {
				t.Errorf("attributes = %v", attrs)
			}
			if _, ok := attrs["sandbox.agent_id"]; ok != tt.wantAgent {
				t.Errorf("agent attribute present = %v, want %v", ok, tt.wantAgent)
			}
			if s.Status.Code != tt.wantCode {
				t.Errorf("status = %v, want %v", s.Status.Code, tt.wantCode)
			}
			if tt.err != nil && len(s.Events) == 0 {
				t.Error("error was not recorded as a span event")
			}
		})
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)

	t.Run("with span", func(t *testing.T) {
		buf := captureLogs(t)
		ctx, span := StartSpan(context.Background(), "log-test")
		defer span.End()

		Logger(ctx).Info("minted")
		out := buf.String()
		if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
			t.Errorf("log output missing trace fields: %s", out)
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := captureLogs(t)
		Logger(context.Background()).Info("minted")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log output has trace_id without a span: %s", buf.String())
		}
	})
}
