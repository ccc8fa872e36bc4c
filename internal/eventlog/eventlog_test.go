package eventlog_test

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/noidd/noidd/internal/eventlog"
)

func TestLogger_AppendWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := eventlog.Open(path, eventlog.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := l.Append(eventlog.Record{Timestamp: time.Now(), WatchName: "w", Kind: "created", Path: "/a", Notifier: "stdout-0"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(eventlog.Record{Timestamp: time.Now(), WatchName: "w", Kind: "deleted", Path: "/b", Notifier: "stdout-0"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		count++
	}
	if count != 2 {
		t.Errorf("got %d lines, want 2", count)
	}
}

func TestOpen_SignNotImplemented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	_, err := eventlog.Open(path, eventlog.Options{Sign: true})
	if err != eventlog.ErrSigningNotImplemented {
		t.Fatalf("got %v, want ErrSigningNotImplemented", err)
	}
}
