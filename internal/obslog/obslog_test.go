package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelGatingSuppressesBelowConfiguredLevel(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	if err := Init(Config{Enabled: true, Level: "warn", File: logFile}); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	defer Close()

	Debugf("debug message %d", 1)
	Infof("info message %d", 2)
	Warnf("warn message %d", 3)
	Errorf("error message %d", 4)

	raw, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	content := string(raw)

	if strings.Contains(content, "debug message") {
		t.Error("expected debug message to be suppressed at warn level")
	}
	if strings.Contains(content, "info message") {
		t.Error("expected info message to be suppressed at warn level")
	}
	if !strings.Contains(content, "warn message 3") {
		t.Error("expected warn message to be logged")
	}
	if !strings.Contains(content, "error message 4") {
		t.Error("expected error message to be logged")
	}
}

func TestDisabledLoggerEmitsNothingToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	if err := Init(Config{Enabled: false, Level: "debug", File: logFile}); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	defer Close()

	Errorf("should not appear")

	if _, err := os.Stat(logFile); err == nil {
		raw, _ := os.ReadFile(logFile)
		if strings.Contains(string(raw), "should not appear") {
			t.Error("expected no output when logging is disabled")
		}
	}
}

func TestDefaultLevelIsInfoForUnrecognizedString(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	if err := Init(Config{Enabled: true, Level: "bogus-level", File: logFile}); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	defer Close()

	Debugf("debug message")
	Infof("info message")

	raw, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	content := string(raw)
	if strings.Contains(content, "debug message") {
		t.Error("expected debug suppressed under the default info level")
	}
	if !strings.Contains(content, "info message") {
		t.Error("expected info message logged under the default info level")
	}
}
