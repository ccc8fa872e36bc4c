package retryqueue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noidd/noidd/internal/retryqueue"
)

type failingSender struct {
	failTimes int32
	calls     atomic.Int32
}

func (f *failingSender) Send(_ context.Context, _ string) error {
	n := f.calls.Add(1)
	if n <= f.failTimes {
		return errors.New("simulated delivery failure")
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_RedeliversAfterFailure(t *testing.T) {
	q, err := retryqueue.Open(filepath.Join(t.TempDir(), "retry.db"), newTestLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	fs := &failingSender{failTimes: 1}
	wrapped := retryqueue.Wrap(q, "test-sink", fs, newTestLogger())

	if err := wrapped.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("wrapped send returned error, want queued: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fs.calls.Load() >= 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected redelivery to retry at least once, got %d calls", fs.calls.Load())
}
