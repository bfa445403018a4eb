package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := newWriter(&buf, "debug", LevelDebug).With(String("comp", "test"))

	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v", m["n"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing in %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := newWriter(&buf, "warn", LevelDebug)
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info reported enabled at warn level")
	}
	log.Warn("kept")
	if buf.Len() == 0 {
		t.Fatal("warn line missing")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warning", "error", "trace"} {
		if !ValidLevel(s) {
			t.Errorf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Error("ValidLevel(loud) = true")
	}
}
