package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/renderfleet/api/internal/model"
)

func init() {
	retryDelay = 10 * time.Millisecond
}

func terminalRecord(status model.JobStatus) *model.ProgressRecord {
	return &model.ProgressRecord{
		Job: model.RenderJob{
			RenderID: "r1",
			Webhook: &model.WebhookConfig{
				CustomData: []byte(`{"order":"1234"}`),
			},
		},
		Status: status,
		Artifact: &model.Artifact{
			URL: "https://cdn.example.com/renders/r1/out.mp4",
		},
	}
}

func TestNotify_SignedDelivery(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := terminalRecord(model.JobStatusDone)
	cfg := &model.WebhookConfig{URL: srv.URL, Secret: "shared-secret"}

	n := NewNotifier()
	if err := n.Notify(context.Background(), cfg, PayloadFor(rec)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if !VerifySignature(gotBody, "shared-secret", gotSig) {
		t.Error("signature did not verify")
	}
	if VerifySignature(gotBody, "wrong-secret", gotSig) {
		t.Error("signature verified under wrong secret")
	}

	var payload model.WebhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.RenderID != "r1" {
		t.Errorf("renderId = %s", payload.RenderID)
	}
	if payload.Status != model.WebhookStatusSuccess {
		t.Errorf("status = %s", payload.Status)
	}
	if payload.OutputURL == "" {
		t.Error("output URL missing on success payload")
	}
	if string(payload.CustomData) != `{"order":"1234"}` {
		t.Errorf("custom data not echoed: %s", payload.CustomData)
	}
}

func TestNotify_UnsignedWhenNoSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &model.WebhookConfig{URL: srv.URL}
	n := NewNotifier()
	if err := n.Notify(context.Background(), cfg, PayloadFor(terminalRecord(model.JobStatusDone))); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if gotSig != "" {
		t.Errorf("unexpected signature header: %s", gotSig)
	}
}

func TestNotify_RetriesOnTransportFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &model.WebhookConfig{URL: srv.URL}
	n := NewNotifier()
	if err := n.Notify(context.Background(), cfg, PayloadFor(terminalRecord(model.JobStatusDone))); err != nil {
		t.Fatalf("Notify failed despite eventual success: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 deliveries, got %d", calls)
	}
}

func TestNotify_GivesUpAfterBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := &model.WebhookConfig{URL: srv.URL}
	n := NewNotifier()
	if err := n.Notify(context.Background(), cfg, PayloadFor(terminalRecord(model.JobStatusDone))); err == nil {
		t.Error("expected delivery error")
	}
	if atomic.LoadInt32(&calls) != maxDeliveries {
		t.Errorf("expected %d deliveries, got %d", maxDeliveries, calls)
	}
}

func TestNotify_NilConfigIsNoop(t *testing.T) {
	n := NewNotifier()
	if err := n.Notify(context.Background(), nil, PayloadFor(terminalRecord(model.JobStatusDone))); err != nil {
		t.Errorf("nil config should be a no-op, got %v", err)
	}
}

func TestPayloadFor_Statuses(t *testing.T) {
	cases := []struct {
		jobStatus model.JobStatus
		want      model.WebhookStatus
	}{
		{model.JobStatusDone, model.WebhookStatusSuccess},
		{model.JobStatusFailed, model.WebhookStatusError},
		{model.JobStatusTimedOut, model.WebhookStatusTimeout},
		{model.JobStatusCancelled, model.WebhookStatusError},
	}
	for _, tc := range cases {
		rec := terminalRecord(tc.jobStatus)
		if got := PayloadFor(rec).Status; got != tc.want {
			t.Errorf("PayloadFor(%s).Status = %s, want %s", tc.jobStatus, got, tc.want)
		}
	}
}

func TestPayloadFor_ErrorDetailFromChunkError(t *testing.T) {
	rec := terminalRecord(model.JobStatusFailed)
	rec.Error = &model.ChunkError{
		Kind:    model.ErrKindUnsupportedCodec,
		Message: "prores not available on this worker image",
	}
	payload := PayloadFor(rec)
	// Webhook recipients see the human detail, not per-chunk internals.
	if payload.ErrorDetail != "prores not available on this worker image" {
		t.Errorf("error detail = %q", payload.ErrorDetail)
	}
}
