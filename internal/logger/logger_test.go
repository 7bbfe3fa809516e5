package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevelDefaultsToWarn(t *testing.T) {
	if parseLevel("") != slog.LevelWarn {
		t.Fatal("expected warn as default level")
	}
	if parseLevel("DEBUG") != slog.LevelDebug {
		t.Fatal("expected debug level to be case insensitive")
	}
}

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, Config{Level: "info", Format: "json"})
	log.Info("queue drained", "count", 2)
	if !strings.Contains(buf.String(), `"msg":"queue drained"`) {
		t.Fatalf("expected json record, got %s", buf.String())
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "web3chat.log")
	log, closer, err := New(Config{Level: "info", Output: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info("hello")
	if err := closer(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(buf), "hello") {
		t.Fatalf("expected record in file, got %q", string(buf))
	}
}
