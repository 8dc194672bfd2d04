package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriter_Levels(t *testing.T) {
	logger := NewWithWriter(&bytes.Buffer{}, "error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
	logger = NewWithWriter(&bytes.Buffer{}, "debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNewWithWriter_JSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "JSON").Info("recovery initiated", "account", "0xabc")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["service"] != Service {
		t.Errorf("Expected service %q, got %v", Service, rec["service"])
	}
	if rec["account"] != "0xabc" {
		t.Errorf("Expected account attribute, got %v", rec["account"])
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || Signer(ctx) != "" {
		t.Fatal("Expected empty values on a bare context")
	}

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithRequestID(ctx, "req-2")
	ctx = WithSigner(ctx, "0x1111111111111111111111111111111111111111")
	if got := RequestID(ctx); got != "req-2" {
		t.Errorf("Expected latest request ID, got %q", got)
	}
	if got := Signer(ctx); got != "0x1111111111111111111111111111111111111111" {
		t.Errorf("Unexpected signer %q", got)
	}
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected slog.Default() without a context logger")
	}
}

func TestL_AttachesRequestScope(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-42")
	ctx = WithSigner(ctx, "0xsigner")

	L(ctx).Info("approved")

	out := buf.String()
	for _, want := range []string{"request_id=req-42", "signer=0xsigner", "service=guardian"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in %q", want, out)
		}
	}
}

func TestL_WithoutScope(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	L(ctx).Info("health check")
	if strings.Contains(buf.String(), "request_id") || strings.Contains(buf.String(), "signer=") {
		t.Errorf("Unexpected request scope in %q", buf.String())
	}
}
