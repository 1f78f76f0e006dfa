// Package relay bridges the orchestrator's push stream to authorized
// clients: one multiplexed SSE response per client, backed by exactly one
// upstream connection carrying all of that client's owned job ids.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/middleware"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/pkg/response"
)

// TaskStore verifies job ownership.
type TaskStore interface {
	FindByJobID(ctx context.Context, jobID string) (*model.Task, error)
}

type Relay struct {
	tasks TaskStore
	fleet client.EventStreamer
	cfg   config.RelayConfig
	log   *logger.Logger
}

func New(tasks TaskStore, fleet client.EventStreamer, cfg config.RelayConfig, log *logger.Logger) *Relay {
	return &Relay{tasks: tasks, fleet: fleet, cfg: cfg, log: log}
}

// Handle serves GET /api/jobs/events?jobIds=a,b,c as one SSE stream.
// Unowned or unknown ids each get an immediate per-id error event while the
// owned ids still stream; if none are owned the request fails fast with 404
// before any upstream connection is opened.
func (r *Relay) Handle(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)

	requested := splitIDs(c.Query("jobIds"))
	if len(requested) == 0 {
		return response.ValidationError(c, "jobIds query parameter is required", nil)
	}
	requested = dedupeCap(requested, r.cfg.MaxJobIDs)

	owned, unowned := r.partitionByOwnership(c.Context(), requested, userID)
	if len(owned) == 0 {
		return response.NotFound(c, "none of the requested jobs are accessible")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache, no-transform")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	downstreamDone := c.Context().Done()
	keepAlive := time.Duration(r.cfg.KeepAliveSec) * time.Second

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		r.stream(w, owned, unowned, downstreamDone, keepAlive)
	}))
	return nil
}

func (r *Relay) partitionByOwnership(ctx context.Context, ids []string, userID string) (owned, unowned []string) {
	for _, id := range ids {
		task, err := r.tasks.FindByJobID(ctx, id)
		if err != nil || task.UserID != userID {
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				r.log.Warnw("relay_ownership_check_failed", "jobId", id, "error", err)
			}
			unowned = append(unowned, id)
			continue
		}
		owned = append(owned, id)
	}
	return owned, unowned
}

// stream pipes upstream SSE bytes through unmodified, preserving event
// framing, and independently emits keep-alive comments. Downstream abort is
// propagated to the upstream fetch through a linked cancellation.
func (r *Relay) stream(w *bufio.Writer, owned, unowned []string, downstreamDone <-chan struct{}, keepAlive time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if downstreamDone != nil {
		go func() {
			select {
			case <-downstreamDone:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	for _, id := range unowned {
		writeEvent(w, "error", map[string]string{"jobId": id, "error": "job not accessible"})
	}
	if err := w.Flush(); err != nil {
		return
	}

	resp, err := r.fleet.OpenEvents(ctx, owned)
	if err != nil {
		r.log.Warnw("relay_upstream_connect_failed", "error", err)
		writeEvent(w, "error", map[string]string{"error": "upstream connection failed"})
		writeEvent(w, "done", map[string]bool{"done": true})
		w.Flush()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		writeEvent(w, "error", map[string]interface{}{"error": "upstream error", "status": resp.StatusCode})
		writeEvent(w, "done", map[string]bool{"done": true})
		w.Flush()
		return
	}

	chunks := make(chan []byte, 8)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			if err := w.Flush(); err != nil {
				return
			}
		case chunk, ok := <-chunks:
			if !ok {
				// Upstream ended.
				writeEvent(w, "done", map[string]bool{"done": true})
				w.Flush()
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func dedupeCap(ids []string, max int) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
