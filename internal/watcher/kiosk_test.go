package watcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(k *KioskHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/capture", k.HandleCapture)
	r.GET("/health", k.HandleHealth)
	return r
}

func TestKioskHandler_HandleCapture_Success(t *testing.T) {
	enq := &fakeEnqueuer{}
	k := NewKioskHandler(enq, &Metrics{}, 300)
	r := newTestRouter(k)

	req := httptest.NewRequest(http.MethodPost, "/capture", strings.NewReader(`{"uid":"abc123"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if resp["ok"] != true || resp["uid"] != "abc123" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	waitFor(t, func() bool {
		enq.mu.Lock()
		defer enq.mu.Unlock()
		return len(enq.captures) == 1
	})
}

func TestKioskHandler_HandleCapture_RejectsMalformedBody(t *testing.T) {
	enq := &fakeEnqueuer{}
	k := NewKioskHandler(enq, &Metrics{}, 300)
	r := newTestRouter(k)

	req := httptest.NewRequest(http.MethodPost, "/capture", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing uid, got %d", w.Code)
	}
}

func TestKioskHandler_HandleCapture_DropsUnderBackpressure(t *testing.T) {
	enq := &fakeEnqueuer{depth: 500}
	k := NewKioskHandler(enq, &Metrics{}, 300)
	r := newTestRouter(k)

	req := httptest.NewRequest(http.MethodPost, "/capture", strings.NewReader(`{"uid":"abc"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 under backpressure, got %d", w.Code)
	}
	if k.metrics.Dropped != 1 {
		t.Fatalf("expected drop to be recorded, got %d", k.metrics.Dropped)
	}
}

func TestKioskHandler_HandleHealth_ReportsSpoolDepth(t *testing.T) {
	enq := &fakeEnqueuer{depth: 7}
	k := NewKioskHandler(enq, &Metrics{}, 300)
	r := newTestRouter(k)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if resp["spoolDepth"].(float64) != 7 {
		t.Fatalf("expected spoolDepth 7, got %+v", resp["spoolDepth"])
	}
}
