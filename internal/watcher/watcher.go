// Package watcher implements the Capture Ingestion Watcher of spec.md
// §4.1: a non-blocking detection path over an fsnotify drop directory
// (and, via Kiosk, an HTTP callback) that dispatches enqueue work
// asynchronously and never awaits downstream I/O itself.
package watcher

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/cardmint/scan-core/internal/config"
)

// filenamePattern matches camera-assigned basenames, e.g. DSC01234.JPG.
// Files not matching are ignored; files ending .tmp are treated as
// in-progress atomic writes and never dispatched.
var filenamePattern = regexp.MustCompile(`^(?i)DSC(\d{5})\.JPG$`)

const fingerprintReadBytes = 4096

// Capture is the minimal payload dispatched per detected file, per §4.1
// step 4: path, filename, arrival time, sequence number, fingerprint.
type Capture struct {
	Path        string
	Filename    string
	ArrivedAt   time.Time
	Sequence    int
	Fingerprint string
}

// Enqueuer is the downstream dependency the watcher dispatches into. It
// must return quickly; Watcher never awaits its completion.
type Enqueuer interface {
	Enqueue(ctx context.Context, capture Capture) error
	Depth() int
}

// Metrics is the watcher's observable counters, per §4.1's contract.
type Metrics struct {
	mu                sync.Mutex
	Detected          int64
	Queued            int64
	Dropped           int64
	totalDetectMs     int64
	detectSamples     int64
	Deferred          bool
}

func (m *Metrics) recordDetection(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Detected++
	m.totalDetectMs += elapsed.Milliseconds()
	m.detectSamples++
}

// AverageDetectMs returns the rolling average detection time in ms.
func (m *Metrics) AverageDetectMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detectSamples == 0 {
		return 0
	}
	return float64(m.totalDetectMs) / float64(m.detectSamples)
}

func (m *Metrics) setDeferred(v bool) {
	m.mu.Lock()
	m.Deferred = v
	m.mu.Unlock()
}

// EventHandler receives the watcher's named events (capture, backpressure,
// error, started, stopped), mirroring the spec's public event contract.
type EventHandler func(event string, detail any)

// Watcher observes cfg.DropDirectory for new capture files.
type Watcher struct {
	cfg      *config.Config
	enqueuer Enqueuer
	onEvent  EventHandler

	Metrics *Metrics

	fsw *fsnotify.Watcher

	fpMu         sync.Mutex
	fingerprints map[string]struct{}
	fpOrder      []string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Watcher over cfg.DropDirectory. Call Start to begin
// observation.
func New(cfg *config.Config, enqueuer Enqueuer, onEvent EventHandler) *Watcher {
	return &Watcher{
		cfg:          cfg,
		enqueuer:     enqueuer,
		onEvent:      onEvent,
		Metrics:      &Metrics{},
		fingerprints: make(map[string]struct{}),
		stopCh:       make(chan struct{}),
	}
}

// Start begins observation. Idempotent: a second call is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.cfg.DropDirectory, 0o755); err != nil {
		return err
	}
	if err := fsw.Add(w.cfg.DropDirectory); err != nil {
		return err
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop(ctx)

	w.emit("started", nil)
	return nil
}

// Stop detaches cleanly. Outstanding dispatches may complete.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
	})
	w.wg.Wait()
	w.emit("stopped", nil)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handle(ctx, ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[Watcher] fsnotify error: %v", err)
			w.emit("error", err)
		}
	}
}

// handle runs the detection algorithm of spec §4.1 steps 1-5. It never
// blocks on downstream I/O: the enqueue call is dispatched in a goroutine.
func (w *Watcher) handle(ctx context.Context, path string) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		w.Metrics.recordDetection(elapsed)
		if elapsed > time.Duration(w.cfg.DetectionWarnMs)*time.Millisecond {
			log.Printf("[Watcher] soft warning: detection took %s (budget %dms)", elapsed, w.cfg.DetectionWarnMs)
		}
	}()

	filename := filepath.Base(path)
	if filepath.Ext(filename) == ".tmp" {
		return
	}
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return
	}
	seq, _ := strconv.Atoi(m[1])

	fp, err := fingerprintFile(path)
	if err != nil {
		log.Printf("[Watcher] could not fingerprint %s: %v", path, err)
		w.emit("error", err)
		return
	}
	if w.isDuplicate(fp) {
		return
	}

	depth := w.enqueuer.Depth()
	if depth >= w.cfg.MaxQueueDepth {
		w.Metrics.mu.Lock()
		w.Metrics.Dropped++
		w.Metrics.mu.Unlock()
		w.Metrics.setDeferred(true)
		w.emit("backpressure", depth)
		return
	}
	w.Metrics.setDeferred(false)

	capture := Capture{
		Path:        path,
		Filename:    filename,
		ArrivedAt:   time.Now(),
		Sequence:    seq,
		Fingerprint: fp,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.enqueuer.Enqueue(ctx, capture); err != nil {
			log.Printf("[Watcher] enqueue failed for %s: %v", path, err)
			w.emit("error", err)
			return
		}
		w.Metrics.mu.Lock()
		w.Metrics.Queued++
		w.Metrics.mu.Unlock()
		w.emit("capture", capture)
	}()
}

func (w *Watcher) isDuplicate(fp string) bool {
	w.fpMu.Lock()
	defer w.fpMu.Unlock()
	if _, seen := w.fingerprints[fp]; seen {
		return true
	}
	w.fingerprints[fp] = struct{}{}
	w.fpOrder = append(w.fpOrder, fp)
	if len(w.fpOrder) > w.cfg.FingerprintCap {
		pruneTo := w.cfg.FingerprintPruneTo
		evict := w.fpOrder[:len(w.fpOrder)-pruneTo]
		for _, e := range evict {
			delete(w.fingerprints, e)
		}
		w.fpOrder = w.fpOrder[len(w.fpOrder)-pruneTo:]
	}
	return false
}

func (w *Watcher) emit(event string, detail any) {
	if w.onEvent != nil {
		w.onEvent(event, detail)
	}
}

func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.CopyN(h, f, fingerprintReadBytes); err != nil && err != io.EOF {
		return "", err
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
