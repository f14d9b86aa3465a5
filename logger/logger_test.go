package logger

import (
	"errors"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("store")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "store" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestWithFieldsAndError(t *testing.T) {
	log := Logger()
	entry := log.WithFields(Fields{"id": "md-1"}).WithError(errors.New("dial refused"))
	if v, ok := entry.Entry.Data["id"]; !ok || v != "md-1" {
		t.Fatalf("field missing: %v", entry.Entry.Data)
	}
	if _, ok := entry.Entry.Data["error"]; !ok {
		t.Fatalf("error field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}
