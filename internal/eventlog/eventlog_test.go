package eventlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesPerConversationNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		Kind:           KindPhaseStarted,
		PhaseID:        "phase_1",
	})

	path := filepath.Join(dir, "conv-1.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.Kind != KindPhaseStarted {
		t.Fatalf("unexpected kind: %q", got.Kind)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped on enqueue")
	}
}

func TestLoggerGlobalStream(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	globalPath := filepath.Join(dir, "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    globalPath,
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{ConversationID: "conv-a", Kind: KindStepAdvanced})
	logger.Log(Event{ConversationID: "conv-b", Kind: KindStepAdvanced})

	waitForLogLine(t, filepath.Join(dir, "conv-a.ndjson"))
	waitForLogLine(t, filepath.Join(dir, "conv-b.ndjson"))

	data := waitForLogLine(t, globalPath)
	if data == "" {
		t.Fatal("expected global stream to receive events")
	}
}

func TestDisabledLoggerIsNoOp(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: false}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Log(Event{ConversationID: "conv-1", Kind: KindPhaseStarted})
	if logger.Dropped() != 0 {
		t.Fatalf("disabled logger should not count drops, got %d", logger.Dropped())
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 64}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		logger.Log(Event{ConversationID: "conv-drain", Kind: KindLadderActivated, Level: i%6 + 1})
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "conv-drain.ndjson"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 drained events, got %d", len(lines))
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
