package credential_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/credential"
)

func newClient(t *testing.T, url string, opts ...credential.Option) *credential.Client {
	t.Helper()
	c, err := credential.New(url, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestObtain_Success(t *testing.T) {
	t.Parallel()

	type seen struct {
		method string
		auth   string
		body   map[string]string
	}
	var n atomic.Int32
	reqs := make(chan seen, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&s.body)
		reqs <- s
		i := n.Add(1)
		fmt.Fprintf(w, `{"credential":"ek_%d","expiresAt":1735689600}`, i)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL,
		credential.WithSecret("sk-long-lived"),
		credential.WithAgent("support-bot"),
		credential.WithVoice("coral"),
		credential.WithBearerToken("user-token"),
	)

	first, err := c.Obtain(context.Background())
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	if first.Value != "ek_1" {
		t.Errorf("Value = %q, want ek_1", first.Value)
	}
	if !first.ExpiresAt.Equal(time.Unix(1735689600, 0)) {
		t.Errorf("ExpiresAt = %v", first.ExpiresAt)
	}
	got := <-reqs
	if got.method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.method)
	}
	if got.body["secret"] != "sk-long-lived" || got.body["agent_id"] != "support-bot" || got.body["voice"] != "coral" {
		t.Errorf("request body = %v", got.body)
	}
	if got.auth != "Bearer user-token" {
		t.Errorf("Authorization = %q", got.auth)
	}

	second, err := c.Obtain(context.Background())
	if err != nil {
		t.Fatalf("second Obtain: %v", err)
	}
	if second.Value == first.Value {
		t.Error("credential reused across calls")
	}
}

func TestObtain_LegacyFieldAndMillis(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ephemeralKey":"ek_legacy","expiresAt":1735689600000}`))
	}))
	defer srv.Close()

	cred, err := newClient(t, srv.URL).Obtain(context.Background())
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	if cred.Value != "ek_legacy" {
		t.Errorf("Value = %q", cred.Value)
	}
	if !cred.ExpiresAt.Equal(time.UnixMilli(1735689600000)) {
		t.Errorf("ExpiresAt = %v", cred.ExpiresAt)
	}
}

func TestObtain_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "non-success status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream down", http.StatusBadGateway)
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "missing credential field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"expiresAt":1}`))
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newClient(t, srv.URL).Obtain(context.Background())
			var ce *realtime.CredentialError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want *CredentialError", err)
			}
			if ce.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", ce.StatusCode, tt.wantStatus)
			}
			if realtime.Recoverable(err) {
				t.Error("credential error reported as recoverable")
			}
		})
	}
}

func TestObtain_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Obtain(context.Background())
	var ce *realtime.CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CredentialError", err)
	}
}

func TestNew_EmptyEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := credential.New(""); err == nil {
		t.Error("expected error for empty endpoint")
	}
}
