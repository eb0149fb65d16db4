package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestInfoWritesJSONLineWithMessageAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, InfoLevel)

	l.Info("flush complete", F("bytes", 128), F("level", 0))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	e := lines[0]
	if e["msg"] != "flush complete" {
		t.Fatalf("msg = %v, want %q", e["msg"], "flush complete")
	}
	if e["level"] != "INFO" {
		t.Fatalf("level = %v, want INFO", e["level"])
	}
	fields, ok := e["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing or wrong type: %v", e["fields"])
	}
	if fields["bytes"] != float64(128) {
		t.Fatalf("fields[bytes] = %v, want 128", fields["bytes"])
	}
}

func TestDebugIsSuppressedBelowMinimumLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, InfoLevel)

	l.Debug("should not appear")

	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestSetLevelChangesWhatIsEmitted(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, InfoLevel)

	l.Debug("before")
	l.SetLevel(DebugLevel)
	l.Debug("after")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "after" {
		t.Fatalf("got %v, want exactly one line for 'after'", lines)
	}
}

func TestWithAttachesFieldsToEverySubsequentLine(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, InfoLevel)
	child := base.With(F("component", "wal"))

	child.Warn("rotated")

	lines := decodeLines(t, &buf)
	fields := lines[0]["fields"].(map[string]any)
	if fields["component"] != "wal" {
		t.Fatalf("fields[component] = %v, want wal", fields["component"])
	}
}

func TestWithDoesNotMutateParentLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, InfoLevel)
	_ = base.With(F("component", "wal"))

	base.Info("plain")

	lines := decodeLines(t, &buf)
	if _, ok := lines[0]["fields"]; ok {
		t.Fatalf("parent logger should not have inherited the child's fields: %v", lines[0])
	}
}

func TestNopLoggerDiscardsEverything(t *testing.T) {
	n := Nop()
	n.Info("anything", F("k", "v"))
	n.SetLevel(DebugLevel)
	if n.With(F("k", "v")) == nil {
		t.Fatal("With() on a nop logger should not return nil")
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	cases := map[Level]string{DebugLevel: "DEBUG", InfoLevel: "INFO", WarnLevel: "WARN", ErrorLevel: "ERROR"}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Fatalf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}
