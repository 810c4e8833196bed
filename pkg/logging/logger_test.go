package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dougsko/pcmhal/pkg/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for input, expected := range tests {
		if got := ParseLogLevel(input); got != expected {
			t.Errorf("ParseLogLevel(%q): expected %s, got %s", input, expected, got)
		}
	}
}

func TestWriterLogger(t *testing.T) {
	t.Run("Level Filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWriterLogger(&buf, LevelWarn, false)

		logger.Info("hal", "should not appear")
		logger.Warn("hal", "underrun")

		out := buf.String()
		if strings.Contains(out, "should not appear") {
			t.Errorf("Expected info line to be filtered, got %q", out)
		}
		if !strings.Contains(out, "[WARN] hal: underrun") {
			t.Errorf("Expected warn line, got %q", out)
		}
	})

	t.Run("Fields Are Sorted", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWriterLogger(&buf, LevelDebug, false)

		logger.Info("hal", "standby", Fields{"stream": "out", "frames": 512, "card": 1})

		if !strings.Contains(buf.String(), "[card=1 frames=512 stream=out]") {
			t.Errorf("Expected sorted fields, got %q", buf.String())
		}
	})

	t.Run("Structured Output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWriterLogger(&buf, LevelDebug, true)

		logger.WithFields(Fields{"rate": 44100}).Infof("hal", "opened %s", "main")

		out := buf.String()
		if !strings.Contains(out, `"component":"hal"`) || !strings.Contains(out, `"rate":"44100"`) {
			t.Errorf("Expected structured line, got %q", out)
		}
		if !strings.Contains(out, `"message":"opened main"`) {
			t.Errorf("Expected message, got %q", out)
		}
	})

	t.Run("SetLevel", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWriterLogger(&buf, LevelError, false)
		logger.SetLevel(LevelDebug)
		logger.Debugf("hal", "sleep %dus", 2000)

		if !strings.Contains(buf.String(), "sleep 2000us") {
			t.Errorf("Expected debug line after SetLevel, got %q", buf.String())
		}
	})
}

func TestNewLoggerWithFile(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pcmhal-log-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	cfg := config.Default()
	cfg.Logging.File = filepath.Join(tempDir, "nested", "pcmhal.log")

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	logger.Info("main", "hello")
	if err := logger.Close(); err != nil {
		t.Fatalf("Expected clean close, got: %v", err)
	}

	data, err := os.ReadFile(cfg.Logging.File)
	if err != nil {
		t.Fatalf("Expected log file, got: %v", err)
	}
	if !strings.Contains(string(data), "main: hello") {
		t.Errorf("Expected log line in file, got %q", string(data))
	}
	if logger.consoleLogger != nil {
		t.Error("Expected console logging off when a file is configured")
	}
}
