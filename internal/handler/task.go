package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/clipforge/api/internal/middleware"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/service"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/pkg/response"
)

const defaultListLimit = 50

type TaskHandler struct {
	dispatch  *service.DispatchService
	tasks     *store.TaskStore
	events    *store.EventStore
	validator *validator.Validate
}

func NewTaskHandler(dispatch *service.DispatchService, tasks *store.TaskStore, events *store.EventStore, v *validator.Validate) *TaskHandler {
	return &TaskHandler{
		dispatch:  dispatch,
		tasks:     tasks,
		events:    events,
		validator: v,
	}
}

// Dispatch handles POST /api/jobs
func (h *TaskHandler) Dispatch(c *fiber.Ctx) error {
	var req model.DispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.dispatch.Dispatch(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Get handles GET /api/jobs/:taskId
func (h *TaskHandler) Get(c *fiber.Ctx) error {
	task, err := h.ownedTask(c)
	if err != nil {
		return err
	}
	return response.OK(c, task)
}

// List handles GET /api/jobs
func (h *TaskHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit < 1 || limit > 200 {
		limit = defaultListLimit
	}

	tasks, err := h.tasks.ListByUser(c.Context(), middleware.GetUserID(c), limit)
	if err != nil {
		return response.ServiceError(c, "Failed to list jobs")
	}
	return response.OK(c, tasks)
}

// Events handles GET /api/jobs/:taskId/events, the task's audit trail.
func (h *TaskHandler) Events(c *fiber.Ctx) error {
	task, err := h.ownedTask(c)
	if err != nil {
		return err
	}

	events, err := h.events.ListByTask(c.Context(), task.ID, 200)
	if err != nil {
		return response.ServiceError(c, "Failed to list events")
	}
	return response.OK(c, model.TaskEventsResponse{TaskID: task.ID, Events: events})
}

// ownedTask loads the path task and enforces ownership. Unknown and unowned
// tasks are indistinguishable to the caller.
func (h *TaskHandler) ownedTask(c *fiber.Ctx) (*model.Task, error) {
	taskID := c.Params("taskId")
	if taskID == "" {
		return nil, response.ValidationError(c, "Task ID is required", nil)
	}

	task, err := h.tasks.FindByID(c.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, response.NotFound(c, "Job not found")
		}
		return nil, response.ServiceError(c, "Failed to load job")
	}
	if task.UserID != middleware.GetUserID(c) {
		return nil, response.NotFound(c, "Job not found")
	}
	return task, nil
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
