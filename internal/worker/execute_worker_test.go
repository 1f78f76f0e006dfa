package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/emitter"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/service"
)

type fakeStorage struct {
	presignURL string
	presignErr error
	keys       []string
}

func (f *fakeStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error { return nil }

func (f *fakeStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeStorage) PresignUploadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	f.keys = append(f.keys, key)
	return f.presignURL, f.presignErr
}

func (f *fakeStorage) GetPublicURL(key string) string { return "" }

func TestProcessTask_PostsOnlyTerminalStatus(t *testing.T) {
	var mu sync.Mutex
	var statuses []string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad callback body: %v", err)
		}
		mu.Lock()
		statuses = append(statuses, payload["status"].(string))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	em := emitter.New(emitter.Options{CallbackURL: sink.URL, Logger: logger.NewNop()})
	w := NewExecuteWorker(em, nil, emitter.NewUploader(nil, logger.NewNop()), logger.NewNop())
	w.stepUnit = time.Millisecond

	data, err := json.Marshal(service.ExecutePayload{
		TaskID:  "task-1",
		JobID:   "job-1",
		MediaID: "media-1",
		Kind:    model.TaskKindDownload,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := w.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeExecute, data)); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 1 || statuses[0] != "completed" {
		t.Errorf("expected a single completed delivery, got %v", statuses)
	}
}

func TestUploadArtifact_PutsToPresignedURL(t *testing.T) {
	var gotMethod, gotBody string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer sink.Close()

	storage := &fakeStorage{presignURL: sink.URL + "/videos/job-1/output.mp4"}
	w := NewExecuteWorker(nil, storage, emitter.NewUploader(nil, logger.NewNop()), logger.NewNop())

	w.uploadArtifact(context.Background(), "job-1", "videos/job-1/output.mp4")

	if len(storage.keys) != 1 || storage.keys[0] != "videos/job-1/output.mp4" {
		t.Fatalf("presigned keys = %v", storage.keys)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("method = %s, want PUT", gotMethod)
	}
	if gotBody != "mock artifact for job job-1\n" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestUploadArtifact_NoStorageIsNoop(t *testing.T) {
	w := NewExecuteWorker(nil, nil, emitter.NewUploader(nil, logger.NewNop()), logger.NewNop())
	w.uploadArtifact(context.Background(), "job-1", "videos/job-1/output.mp4")
}

func TestUploadArtifact_PresignFailureIsSwallowed(t *testing.T) {
	storage := &fakeStorage{presignErr: errors.New("bucket gone")}
	w := NewExecuteWorker(nil, storage, emitter.NewUploader(nil, logger.NewNop()), logger.NewNop())
	w.uploadArtifact(context.Background(), "job-1", "videos/job-1/output.mp4")
}
