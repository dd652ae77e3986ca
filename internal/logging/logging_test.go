package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"fatal": slog.LevelError,
	} {
		got, err := ParseLevel(s)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	l, file, err := New(&buf, "warn", "")
	if err != nil {
		t.Fatal(err)
	}
	if file != "" {
		t.Errorf("unexpected log file %s", file)
	}
	l.Info("quiet")
	l.Warn("dualEndianMismatch", "field", "VolumeSpaceSize")
	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info record passed a warn filter")
	}
	if !strings.Contains(out, "dualEndianMismatch") || !strings.Contains(out, "field=VolumeSpaceSize") {
		t.Errorf("missing warn record: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("colour codes written to a non-terminal")
	}
}

func TestFile(t *testing.T) {
	var buf bytes.Buffer
	l, file, err := New(&buf, "debug", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("nextEntry", "name", "a.txt")

	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("log file is not JSON lines: %v: %q", err, b)
	}
	if rec["msg"] != "nextEntry" || rec["name"] != "a.txt" {
		t.Errorf("unexpected record %v", rec)
	}
	if !strings.Contains(buf.String(), "nextEntry") {
		t.Error("console did not receive the record")
	}
}
