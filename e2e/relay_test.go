package e2e

import (
	"net/http"
	"strings"
	"testing"
)

const upstreamSSE = "event: status\ndata: {\"jobId\":\"job-1\",\"status\":\"running\",\"progress\":0.4}\n\n"

func TestRelay_RequiresJobIDs(t *testing.T) {
	ta := setupApp(t, nil)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/events", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestRelay_AllUnownedFailsFast(t *testing.T) {
	ta := setupApp(t, &fakeStreamer{body: upstreamSSE})

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/events?jobIds=job-ghost", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestRelay_PipesUpstreamEvents(t *testing.T) {
	ta := setupApp(t, &fakeStreamer{body: upstreamSSE})
	ta.seedTask("task-1", "job-1")

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/events?jobIds=job-1", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	body := readBody(t, resp)
	if !strings.Contains(body, `"status":"running"`) {
		t.Errorf("upstream event not piped through:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("expected done event after upstream end:\n%s", body)
	}
}

func TestRelay_MixedOwnershipEmitsPerIDErrors(t *testing.T) {
	ta := setupApp(t, &fakeStreamer{body: upstreamSSE})
	ta.seedTask("task-1", "job-1")

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/events?jobIds=job-1,job-ghost", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := readBody(t, resp)
	if !strings.Contains(body, `"jobId":"job-ghost"`) {
		t.Errorf("expected per-id error for unowned job:\n%s", body)
	}
	if !strings.Contains(body, `"status":"running"`) {
		t.Errorf("owned job events should still stream:\n%s", body)
	}
}

func TestRelay_UpstreamFailureEndsStream(t *testing.T) {
	ta := setupApp(t, &fakeStreamer{status: http.StatusBadGateway})
	ta.seedTask("task-1", "job-1")

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/events?jobIds=job-1", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := readBody(t, resp)
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event on upstream failure:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("expected done event on upstream failure:\n%s", body)
	}
}
