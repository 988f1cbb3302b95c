package logger

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactSensitiveKeys(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core))

	l.Info("signed in", "email", "ana@example.com", "user_id", "u-123", "module", "m1")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["email"] != "[redacted]" {
		t.Errorf("email not redacted: %v", fields["email"])
	}
	if fields["user_id"] != HashID("u-123") {
		t.Errorf("user_id not hashed: %v", fields["user_id"])
	}
	if fields["module"] != "m1" {
		t.Errorf("module changed: %v", fields["module"])
	}
}

func TestWithKeepsRedaction(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).With("token", "secret")

	l.Warn("retry")

	if got := logs.All()[0].ContextMap()["token"]; got != "[redacted]" {
		t.Errorf("token = %v, want [redacted]", got)
	}
}

func TestHashIDStable(t *testing.T) {
	a, b := HashID("user"), HashID("user")
	if a != b {
		t.Fatalf("hash not stable: %s != %s", a, b)
	}
	if len(a) != 12 {
		t.Errorf("hash length = %d, want 12", len(a))
	}
	if HashID("other") == a {
		t.Error("distinct ids hashed to the same tag")
	}
}

func TestNewWithFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trilha.log")
	l, err := NewWithOptions(Options{Mode: "prod", Level: "debug", File: path})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	l.Debug("hello", "k", "v")
	l.Sync()
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := NewWithOptions(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
