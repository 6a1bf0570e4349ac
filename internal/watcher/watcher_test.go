package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cardmint/scan-core/internal/config"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	captures []Capture
	depth    int
	failNext bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, c Capture) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, c)
	return nil
}

func (f *fakeEnqueuer) Depth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DropDirectory:      t.TempDir(),
		MaxQueueDepth:      300,
		FingerprintCap:     10000,
		FingerprintPruneTo: 5000,
		DetectionWarnMs:    50,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

func TestWatcher_DetectsMatchingFileAndDispatches(t *testing.T) {
	cfg := testConfig(t)
	enq := &fakeEnqueuer{}
	events := make(chan string, 8)
	w := New(cfg, enq, func(event string, detail any) { events <- event })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("unexpected error starting watcher: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(cfg.DropDirectory, "DSC00123.JPG")
	if err := os.WriteFile(path, []byte("fake jpeg bytes"), 0o644); err != nil {
		t.Fatalf("unexpected error writing file: %v", err)
	}

	waitFor(t, func() bool {
		enq.mu.Lock()
		defer enq.mu.Unlock()
		return len(enq.captures) == 1
	})

	enq.mu.Lock()
	got := enq.captures[0]
	enq.mu.Unlock()
	if got.Sequence != 123 {
		t.Fatalf("expected sequence 123, got %d", got.Sequence)
	}
	if got.Fingerprint == "" {
		t.Fatalf("expected non-empty fingerprint")
	}
}

func TestWatcher_IgnoresTmpAndUnrecognizedNames(t *testing.T) {
	cfg := testConfig(t)
	enq := &fakeEnqueuer{}
	w := New(cfg, enq, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	for _, name := range []string{"DSC00001.JPG.tmp", "random-file.JPG", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(cfg.DropDirectory, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	time.Sleep(200 * time.Millisecond)
	enq.mu.Lock()
	defer enq.mu.Unlock()
	if len(enq.captures) != 0 {
		t.Fatalf("expected no dispatches for tmp/unrecognized names, got %d", len(enq.captures))
	}
}

func TestWatcher_DropsOnBackpressure(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxQueueDepth = 1
	enq := &fakeEnqueuer{depth: 5}
	events := make(chan string, 8)
	w := New(cfg, enq, func(event string, detail any) { events <- event })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(cfg.DropDirectory, "DSC00042.JPG")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool { return w.Metrics.Dropped == 1 })

	enq.mu.Lock()
	defer enq.mu.Unlock()
	if len(enq.captures) != 0 {
		t.Fatalf("expected drop, not dispatch, under backpressure")
	}
}

func TestIsDuplicate_PrunesWhenOverCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.FingerprintCap = 5
	cfg.FingerprintPruneTo = 2
	w := New(cfg, &fakeEnqueuer{}, nil)

	for i := 0; i < 6; i++ {
		fp := string(rune('a' + i))
		if w.isDuplicate(fp) {
			t.Fatalf("expected fingerprint %q to be novel on first insert", fp)
		}
	}
	if len(w.fpOrder) != cfg.FingerprintPruneTo {
		t.Fatalf("expected prune to %d entries, got %d", cfg.FingerprintPruneTo, len(w.fpOrder))
	}
}

func TestIsDuplicate_DetectsRepeat(t *testing.T) {
	cfg := testConfig(t)
	w := New(cfg, &fakeEnqueuer{}, nil)

	if w.isDuplicate("abc") {
		t.Fatalf("expected first sighting to be novel")
	}
	if !w.isDuplicate("abc") {
		t.Fatalf("expected second sighting of same fingerprint to be a duplicate")
	}
}
