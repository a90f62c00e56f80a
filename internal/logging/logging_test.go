package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("pipewire")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("stream connected", "node", 42)

	out := buf.String()
	if strings.Contains(out, `msg="INFO stream connected`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=\"stream connected\"") {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=pipewire") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "node=42") {
		t.Fatalf("expected node field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("dxgi")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestWithSessionAttachesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger := WithSession(L("engine"), "sess-1", "dxgi")
	logger.Info("started")

	out := buf.String()
	if !strings.Contains(out, "sessionId=sess-1") {
		t.Fatalf("expected sessionId field, got: %s", out)
	}
	if !strings.Contains(out, "backend=dxgi") {
		t.Fatalf("expected backend field, got: %s", out)
	}
}
