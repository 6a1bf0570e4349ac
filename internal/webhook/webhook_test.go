package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

func TestDispatcher_SendSignsPayloadAndSucceeds(t *testing.T) {
	var gotSig, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{WebhookURL: srv.URL, WebhookSecret: "s3cret"}
	d := NewDispatcher(cfg)

	event := models.WebhookEvent{UUID: "abc", SKU: "sku-1", Status: "active"}
	if err := d.Send(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(gotSig, "sha256=") {
		t.Fatalf("expected X-Signature to carry sha256= prefix, got %q", gotSig)
	}
	if err := VerifySignature(cfg.WebhookSecret, gotSig, []byte(gotBody)); err != nil {
		t.Fatalf("expected signature to verify against receiver logic: %v", err)
	}
}

func TestDispatcher_NonRetriableRejectionSurfacesErrRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := &config.Config{WebhookURL: srv.URL, WebhookSecret: "s3cret"}
	d := NewDispatcher(cfg)

	err := d.Send(context.Background(), models.WebhookEvent{UUID: "abc"})
	if err == nil || !strings.Contains(err.Error(), ErrRejected) {
		t.Fatalf("expected %s, got %v", ErrRejected, err)
	}
}

func TestDispatcher_NoURLConfiguredIsNoop(t *testing.T) {
	d := NewDispatcher(&config.Config{})
	if err := d.Send(context.Background(), models.WebhookEvent{}); err != nil {
		t.Fatalf("expected no-op when WebhookURL is empty, got %v", err)
	}
}

func TestVerifySignature_RejectsMismatch(t *testing.T) {
	body := []byte(`{"uuid":"x"}`)
	sig := "sha256=" + sign("right-secret", body)
	if err := VerifySignature("wrong-secret", sig, body); err == nil {
		t.Fatalf("expected mismatch error for wrong secret")
	}
}
