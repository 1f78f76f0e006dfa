package emitter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/clipforge/api/internal/logger"
)

type received struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
}

func (r *received) add(p map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *received) all() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]interface{}, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func newSink(t *testing.T, rec *received) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad callback body: %v", err)
		}
		payload["_token"] = r.Header.Get("X-Callback-Token")
		rec.add(payload)
		w.WriteHeader(http.StatusOK)
	}))
}

func TestJobEmitter_DeliversInOrder(t *testing.T) {
	rec := &received{}
	sink := newSink(t, rec)
	defer sink.Close()

	e := New(Options{CallbackURL: sink.URL, Token: "secret", Logger: logger.NewNop()})
	job := e.ForJob("job-1", "media-1", "whisper", "transcription")

	job.Progress("preparing", 0.1)
	job.Progress("transcribing", 0.5)
	job.Progress("uploading", 0.95)
	job.PostUpdate("completed", map[string]interface{}{
		"outputs": map[string]interface{}{"vtt": map[string]string{"key": "subs/job-1/en.vtt"}},
	})
	job.Close()

	payloads := rec.all()
	if len(payloads) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(payloads))
	}

	var lastSeq float64
	for i, p := range payloads {
		seq := p["eventSeq"].(float64)
		if seq <= lastSeq {
			t.Errorf("delivery %d out of order: seq %v after %v", i, seq, lastSeq)
		}
		lastSeq = seq
		if p["_token"] != "secret" {
			t.Errorf("missing callback token on delivery %d", i)
		}
		if p["schemaVersion"].(float64) != 2 {
			t.Errorf("expected schemaVersion 2, got %v", p["schemaVersion"])
		}
	}

	final := payloads[3]
	if final["status"] != "completed" {
		t.Errorf("expected final completed, got %v", final["status"])
	}
	if final["eventId"] != "job-1:4" {
		t.Errorf("unexpected eventId: %v", final["eventId"])
	}
}

func TestJobEmitter_LatchesAfterTerminal(t *testing.T) {
	rec := &received{}
	sink := newSink(t, rec)
	defer sink.Close()

	e := New(Options{CallbackURL: sink.URL, Logger: logger.NewNop()})
	job := e.ForJob("job-1", "media-1", "whisper", "transcription")

	job.PostUpdate("failed", map[string]interface{}{"error": "boom"})
	job.Progress("transcribing", 0.8) // dropped
	job.PostUpdate("running", nil)    // dropped
	job.Close()

	payloads := rec.all()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 delivery after latch, got %d", len(payloads))
	}
	if payloads[0]["status"] != "failed" {
		t.Errorf("expected failed, got %v", payloads[0]["status"])
	}
}

func TestJobEmitter_CoalescesTinyAdvances(t *testing.T) {
	rec := &received{}
	sink := newSink(t, rec)
	defer sink.Close()

	e := New(Options{CallbackURL: sink.URL, Logger: logger.NewNop()})
	job := e.ForJob("job-1", "media-1", "whisper", "transcription")

	job.Progress("transcribing", 0.50)
	job.Progress("transcribing", 0.504) // coalesced
	job.Progress("transcribing", 0.509) // coalesced
	job.Progress("transcribing", 0.52)
	job.Close()

	if got := len(rec.all()); got != 2 {
		t.Errorf("expected 2 deliveries after coalescing, got %d", got)
	}
}

func TestJobEmitter_StatusChangeIsNeverCoalesced(t *testing.T) {
	rec := &received{}
	sink := newSink(t, rec)
	defer sink.Close()

	e := New(Options{CallbackURL: sink.URL, Logger: logger.NewNop()})
	job := e.ForJob("job-1", "media-1", "whisper", "transcription")

	job.Progress("processing", 0.5)
	job.Progress("uploading", 0.5)
	job.Close()

	payloads := rec.all()
	if len(payloads) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(payloads))
	}
	if payloads[0]["status"] != "running" || payloads[1]["status"] != "uploading" {
		t.Errorf("expected running then uploading, got %v then %v",
			payloads[0]["status"], payloads[1]["status"])
	}
}

func TestJobEmitter_UploadingPhaseMapsToStatus(t *testing.T) {
	rec := &received{}
	sink := newSink(t, rec)
	defer sink.Close()

	e := New(Options{CallbackURL: sink.URL, Logger: logger.NewNop()})
	job := e.ForJob("job-1", "media-1", "whisper", "transcription")

	job.Progress("uploading", 0.9)
	job.Close()

	payloads := rec.all()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(payloads))
	}
	if payloads[0]["status"] != "uploading" {
		t.Errorf("expected uploading status, got %v", payloads[0]["status"])
	}
}

func TestJobEmitter_ConcurrentEnqueueKeepsSeqContiguous(t *testing.T) {
	rec := &received{}
	sink := newSink(t, rec)
	defer sink.Close()

	e := New(Options{CallbackURL: sink.URL, Logger: logger.NewNop()})
	job := e.ForJob("job-1", "media-1", "whisper", "transcription")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.PostUpdate("running", nil)
		}()
	}
	wg.Wait()
	job.Close()

	payloads := rec.all()
	if len(payloads) != 10 {
		t.Fatalf("expected 10 deliveries, got %d", len(payloads))
	}
	seen := make(map[float64]bool)
	for _, p := range payloads {
		seq := p["eventSeq"].(float64)
		if seen[seq] {
			t.Errorf("duplicate seq %v", seq)
		}
		seen[seq] = true
	}
}

func TestForJob_ReturnsSameQueue(t *testing.T) {
	e := New(Options{CallbackURL: "http://localhost:0", Logger: logger.NewNop()})
	a := e.ForJob("job-1", "media-1", "whisper", "transcription")
	b := e.ForJob("job-1", "media-1", "whisper", "transcription")
	if a != b {
		t.Error("same job id must share one queue")
	}
	a.Close()

	c := e.ForJob("job-1", "media-1", "whisper", "transcription")
	if c == a {
		t.Error("closed queue must not be reused")
	}
	c.Close()
}

func TestJobEmitter_DeliveryFailureIsSwallowed(t *testing.T) {
	// No listener: every POST fails. The emitter must not panic or block.
	e := New(Options{CallbackURL: "http://127.0.0.1:1/callbacks/jobs", Logger: logger.NewNop()})
	job := e.ForJob("job-1", "media-1", "whisper", "transcription")

	job.Progress("transcribing", 0.5)
	job.PostUpdate("completed", nil)
	job.Close()
}
