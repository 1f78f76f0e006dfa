package handler

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/clipforge/api/internal/callback"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/projector"
	"github.com/clipforge/api/pkg/response"
)

// WebhookHandler ingests fleet callbacks. Delivery is at-least-once:
// duplicates are absorbed by the projection, so the handler always answers
// 200 for a payload it has already seen.
type WebhookHandler struct {
	proj  *projector.Projector
	token string
	log   *logger.Logger
}

func NewWebhookHandler(proj *projector.Projector, token string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{proj: proj, token: token, log: log}
}

// Receive handles POST /callbacks/jobs
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	if h.token != "" && c.Get("X-Callback-Token") != h.token {
		return response.Unauthorized(c, "Invalid callback token")
	}

	var payload model.CallbackPayload
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	// Invalid payloads are rejected before any storage is touched.
	if err := callback.Validate(&payload); err != nil {
		if verr, ok := err.(*callback.ValidationError); ok {
			return response.ValidationError(c, "Invalid callback payload", verr.Issues)
		}
		return response.ValidationError(c, err.Error(), nil)
	}

	res, err := h.proj.Apply(c.Context(), observationFrom(&payload))
	if err != nil {
		h.log.Errorw("webhook_apply_failed", "jobId", payload.JobID, "error", err)
		return response.ServiceError(c, "Failed to record callback")
	}

	return response.OK(c, fiber.Map{
		"ok":        true,
		"duplicate": !res.EventInserted,
	})
}

func observationFrom(p *model.CallbackPayload) model.Observation {
	eventTs, _ := p.EventTs.Float64()

	extra := model.JSONMap{}
	if len(p.Outputs) > 0 {
		if data, err := json.Marshal(p.Outputs); err == nil {
			extra["outputs"] = data
		}
	}
	if len(p.Metadata) > 0 {
		if data, err := json.Marshal(p.Metadata); err == nil {
			extra["metadata"] = data
		}
	}
	if p.DurationMs > 0 {
		if data, err := json.Marshal(p.DurationMs); err == nil {
			extra["durationMs"] = data
		}
	}

	return model.Observation{
		JobID:    p.JobID,
		Status:   model.TaskStatus(p.Status),
		Message:  p.Error,
		Purpose:  p.Purpose,
		EventSeq: p.EventSeq,
		EventID:  p.EventID,
		EventTs:  int64(eventTs),
		Source:   model.SourceCallback,
		Payload:  extra,
	}
}
