package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/clipforge/api/internal/auth"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/handler"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/middleware"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/projector"
	"github.com/clipforge/api/internal/relay"
	"github.com/clipforge/api/internal/store"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testCallbackToken = "test-callback-token"
	testUserID        = "test-user-123"
)

// memTaskStore is an in-memory task store keyed by job id.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]*model.Task)}
}

func (s *memTaskStore) put(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.JobID != nil {
		s.tasks[*task.JobID] = task
	}
}

func (s *memTaskStore) FindByJobID(_ context.Context, jobID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (s *memTaskStore) UpdateByID(_ context.Context, id string, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.ID != id {
			continue
		}
		if v, ok := patch["status"]; ok {
			task.Status = v.(model.TaskStatus)
		}
		if v, ok := patch["progress"]; ok {
			task.Progress = v.(int)
		}
		if v, ok := patch["finished_at"]; ok {
			t := v.(time.Time)
			task.FinishedAt = &t
		}
		if v, ok := patch["started_at"]; ok {
			t := v.(time.Time)
			task.StartedAt = &t
		}
		if v, ok := patch["error"]; ok {
			msg := v.(string)
			task.Error = &msg
		}
		if v, ok := patch["job_status_snapshot"]; ok {
			task.JobStatusSnapshot = v.(model.JSONMap)
		}
		return nil
	}
	return store.ErrNotFound
}

// memEventStore deduplicates on (jobId, eventKey) like the jsonb-backed one.
type memEventStore struct {
	mu     sync.Mutex
	events []*model.JobEvent
	seen   map[string]bool
}

func newMemEventStore() *memEventStore {
	return &memEventStore{seen: make(map[string]bool)}
}

func (s *memEventStore) InsertIfAbsent(_ context.Context, event *model.JobEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := event.JobID + "\x00" + event.EventKey
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	s.events = append(s.events, event)
	return true, nil
}

// fakeStreamer serves a canned upstream SSE body, or an error.
type fakeStreamer struct {
	body   string
	status int
	err    error
}

func (f *fakeStreamer) OpenEvents(_ context.Context, _ []string) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	tasks  *memTaskStore
	events *memEventStore
}

// setupApp creates a Fiber app wired like main.go but backed by in-memory
// stores and a canned upstream stream, so no Postgres or fleet is needed.
func setupApp(t *testing.T, streamer *fakeStreamer) *testApp {
	t.Helper()

	log := logger.NewNop()
	tasks := newMemTaskStore()
	events := newMemEventStore()

	proj := projector.New(tasks, events, nil, nil, log)
	webhookHandler := handler.NewWebhookHandler(proj, testCallbackToken, log)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)

	if streamer == nil {
		streamer = &fakeStreamer{}
	}
	statusRelay := relay.New(tasks, streamer, config.RelayConfig{KeepAliveSec: 60, MaxJobIDs: 50}, log)

	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)

	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"fleet": false,
				"r2":    false,
				"redis": false,
				"auth":  true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	app.Post("/callbacks/jobs", webhookHandler.Receive)

	api := app.Group("/api", authMiddleware.Authenticate())
	api.Get("/jobs/events", statusRelay.Handle)

	return &testApp{app: app, tasks: tasks, events: events}
}

// seedTask registers a running task owned by the test user.
func (ta *testApp) seedTask(taskID, jobID string) *model.Task {
	job := jobID
	task := &model.Task{
		ID:     taskID,
		JobID:  &job,
		Kind:   model.TaskKindTranscription,
		UserID: testUserID,
		Status: model.TaskStatusRunning,
	}
	ta.tasks.put(task)
	return task
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: testUserID,
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "clipforge-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
