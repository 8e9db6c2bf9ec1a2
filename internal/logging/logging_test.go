package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestNewLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if bytes.Contains([]byte(out), []byte("hidden")) {
		t.Fatalf("info should be filtered: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("shown")) {
		t.Fatalf("warn missing: %s", out)
	}
}

func TestWithContextAddsKeys(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "debug", Format: "json"}, &buf)
	ctx := With(context.Background(), RequestIDKey, "req-1")
	ctx = With(ctx, TenantKey, "acme")
	ctx = With(ctx, CorrelationIDKey, "")
	WithContext(ctx, base).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if line["request_id"] != "req-1" || line["tenant_id"] != "acme" {
		t.Fatalf("missing keys: %v", line)
	}
	if _, ok := line["correlation_id"]; ok {
		t.Fatalf("empty value should be skipped: %v", line)
	}
}
