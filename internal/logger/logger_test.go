package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Strob0t/AgentHost/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Format: "json"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Format: "json", Async: true}
	l, closer := New(cfg)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	closer.Close()
}

func TestFormatSelection(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		tty      bool
		wantJSON bool
	}{
		{"json", "json", true, true},
		{"text", "text", false, false},
		{"auto on terminal", "auto", true, false},
		{"auto piped", "auto", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l, closer := newLogger(config.Logging{Level: "info", Service: "svc", Format: tt.format}, &buf, tt.tty)
			l.Info("hello")
			closer.Close()

			isJSON := json.Valid(bytes.TrimSpace(buf.Bytes()))
			if isJSON != tt.wantJSON {
				t.Errorf("expected json=%v, got %q", tt.wantJSON, buf.String())
			}
			if !strings.Contains(buf.String(), "svc") {
				t.Errorf("expected service attribute, got %q", buf.String())
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, _ := newLogger(config.Logging{Level: "info", Service: "svc", Format: "json"}, &buf, false)
	t.Cleanup(func() { SetLevel("info") })

	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug suppressed, got %q", buf.String())
	}
	SetLevel("debug")
	l.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected debug after SetLevel, got %q", buf.String())
	}
}

func TestContextIDs(t *testing.T) {
	var buf bytes.Buffer
	l, _ := newLogger(config.Logging{Level: "info", Service: "svc", Format: "json"}, &buf, false)

	ctx := WithRequestID(context.Background(), "r1")
	ctx = WithAgentID(ctx, "a1")
	ctx = WithConversationID(ctx, "c1")
	l.InfoContext(ctx, "routed")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{"request_id": "r1", "agent_id": "a1", "conversation_id": "c1"} {
		if rec[key] != want {
			t.Errorf("expected %s=%s, got %v", key, want, rec[key])
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()

	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
	if got := AgentID(ctx); got != "" {
		t.Errorf("expected empty agent ID, got %q", got)
	}
}
