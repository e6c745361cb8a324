package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	log := l.Component("registry")
	log.Info().Str("document_id", "d1").Msg("document created")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["component"] != "registry" || lines[0]["service"] != "custody" || lines[0]["document_id"] != "d1" {
		t.Errorf("unexpected fields: %v", lines[0])
	}
}

func TestLogGrpcRequest(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})

	l.LogGrpcRequest("/custody.v1.Custody/Decide", 3*time.Millisecond, "", nil)
	l.LogGrpcRequest("/custody.v1.Custody/Decide", time.Millisecond, "OutOfOrder", errors.New("out of order"))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["level"] != "info" {
		t.Errorf("success level = %v", lines[0]["level"])
	}
	if lines[1]["level"] != "error" || lines[1]["code"] != "OutOfOrder" {
		t.Errorf("failure fields = %v", lines[1])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"loud":  zerolog.InfoLevel,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	InitGlobalLogger(Config{Level: "warn", Output: &buf})
	t.Cleanup(func() { globalLogger = nil })

	if GetGlobalLogger() != globalLogger {
		t.Fatal("GetGlobalLogger did not return the initialized logger")
	}
	GetGlobalLogger().Info("dropped").Send()
	GetGlobalLogger().Warn("kept").Send()

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Errorf("unexpected lines: %v", lines)
	}
}
