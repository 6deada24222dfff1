package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevelRoundTrip(t *testing.T) {
	tests := map[string]zapcore.Level{
		"DEBUG":    DebugLevel,
		"INFO":     InfoLevel,
		"EVENT":    EventLevel,
		"WARNING":  WarningLevel,
		"WARN":     WarningLevel,
		"ERROR":    ErrorLevel,
		"CRITICAL": CriticalLevel,
	}
	for s, want := range tests {
		got, err := ParseLevel(s)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestParseLevelUnknown(t *testing.T) {
	if _, err := ParseLevel("NOTALEVEL"); err == nil {
		t.Fatal("expected error for unrecognized level")
	}
}

func TestEventLevelSitsBetweenInfoAndWarning(t *testing.T) {
	if !(InfoLevel < EventLevel && EventLevel < WarningLevel) {
		t.Fatalf("expected INFO < EVENT < WARNING, got %d < %d < %d", InfoLevel, EventLevel, WarningLevel)
	}
}

func TestLoggerWritesAboveThresholdOnly(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "kanyo.log")

	log, cleanup, err := New(Config{Level: WarningLevel, FilePath: logPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cleanup()

	named := log.Named("kanyo.test")
	named.Info("should be suppressed")
	named.Warning("should appear")
	named.Event("should be suppressed, EVENT is below WARNING")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	contents := string(data)
	if strings.Contains(contents, "should be suppressed") {
		t.Fatalf("expected INFO/EVENT lines suppressed at WARNING threshold, got:\n%s", contents)
	}
	if !strings.Contains(contents, "should appear") {
		t.Fatalf("expected WARNING line present, got:\n%s", contents)
	}
	if !strings.Contains(contents, "WARNING") || !strings.Contains(contents, "kanyo.test") {
		t.Fatalf("expected level and module name in log line, got:\n%s", contents)
	}
}

func TestLoggerEventLevelPassesAtInfoThreshold(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "kanyo.log")

	log, cleanup, err := New(Config{Level: InfoLevel, FilePath: logPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cleanup()

	log.Named("kanyo.test").Event("a meaningful behavioral event")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "EVENT") {
		t.Fatalf("expected EVENT line to pass at INFO threshold, got:\n%s", string(data))
	}
}
