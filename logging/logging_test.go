package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"framelink/config"
)

func TestNew(t *testing.T) {
	l, err := New(config.LogConfig{Level: "debug"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}

	l, err = New(config.LogConfig{Level: "warn", Development: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info must be disabled at warn level")
	}
}

func TestNewBadLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expect error for an unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) must return a usable logger")
	}
}
