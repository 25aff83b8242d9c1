package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManualClock(start)

	ch := c.After(5 * time.Second)
	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, err := NewLoggerWithFile(path, "info")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Sugar().Infow("node_started", "api", ":8080")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"node_started"`) || !strings.Contains(string(data), `"ts"`) {
		t.Errorf("log line = %s", data)
	}

	if _, err := NewLogger("loud"); err == nil {
		t.Error("expected invalid level error")
	}
}
