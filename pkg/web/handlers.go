// Package web provides HTTP handlers and REST API endpoints for approval workflows.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	engine    *services.Engine
	templates *services.Templates
	approvals *services.Approvals
	validator *validator.Validate
}

func NewAPIHandlers(
	engine *services.Engine,
	templates *services.Templates,
	approvals *services.Approvals,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:    engine,
		templates: templates,
		approvals: approvals,
		validator: validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.engine.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Approvals API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Approvals API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// Templates

func (h *APIHandlers) ListTemplates(c fiber.Ctx) error {
	opts := persistence.ListTemplatesOptions{
		CompanyID:   c.Query("company_id"),
		EntityType:  c.Query("entity_type"),
		TriggerType: models.TriggerType(c.Query("trigger_type")),
	}

	if active := c.Query("active"); active != "" {
		activeOnly, err := strconv.ParseBool(active)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		opts.ActiveOnly = activeOnly
	}

	templates, err := h.templates.List(c.Context(), opts)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"templates":   templates,
		"total_count": len(templates),
	})
}

func (h *APIHandlers) CreateTemplate(c fiber.Ctx) error {
	var template models.WorkflowTemplate
	if err := c.Bind().JSON(&template); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if template.CreatedBy == "" {
		template.CreatedBy = c.Get(ActorHeader)
	}

	created, err := h.templates.Create(c.Context(), &template)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetTemplate(c fiber.Ctx) error {
	template, err := h.templates.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) UpdateTemplate(c fiber.Ctx) error {
	var template models.WorkflowTemplate
	if err := c.Bind().JSON(&template); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	updated, err := h.templates.Update(c.Context(), c.Params("id"), &template)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteTemplate(c fiber.Ctx) error {
	err := h.templates.Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CloneTemplate(c fiber.Ctx) error {
	clone, err := h.templates.Clone(c.Context(), c.Params("id"), c.Get(ActorHeader))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(clone)
}

func (h *APIHandlers) InsertTemplateStep(c fiber.Ctx) error {
	var req InsertStepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Step == nil {
		return badRequest(c, "step is required")
	}

	template, err := h.templates.InsertStep(c.Context(), c.Params("id"), req.Position, req.Step)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) RemoveTemplateStep(c fiber.Ctx) error {
	template, err := h.templates.RemoveStep(c.Context(), c.Params("id"), c.Params("stepId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) ActivateTemplate(c fiber.Ctx) error {
	return h.setActive(c, true)
}

func (h *APIHandlers) DeactivateTemplate(c fiber.Ctx) error {
	return h.setActive(c, false)
}

func (h *APIHandlers) setActive(c fiber.Ctx, active bool) error {
	template, err := h.templates.SetActive(c.Context(), c.Params("id"), active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

// Events

// HandleEvent starts every workflow the posted entity event matches.
func (h *APIHandlers) HandleEvent(c fiber.Ctx) error {
	var event models.EntityEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if event.TriggeredBy == "" {
		event.TriggeredBy = c.Get(ActorHeader)
	}

	instances, err := h.engine.HandleEvent(c.Context(), event)
	if err != nil {
		return handleServiceError(c, err)
	}

	status := fiber.StatusOK
	if len(instances) > 0 {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(EventResponse{Instances: instances})
}

// MatchEvent reports which templates an event would start without starting them.
func (h *APIHandlers) MatchEvent(c fiber.Ctx) error {
	var event models.EntityEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	ids, err := h.engine.Match(c.Context(), event)
	if err != nil {
		return handleServiceError(c, err)
	}

	if ids == nil {
		ids = []string{}
	}

	return c.JSON(MatchResponse{TemplateIDs: ids})
}

// Instances

func (h *APIHandlers) ListInstances(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	opts := persistence.ListInstancesOptions{
		CompanyID:  c.Query("company_id"),
		TemplateID: c.Query("template_id"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Status:     models.InstanceStatus(c.Query("status")),
		Limit:      limit,
	}

	if attention := c.Query("needs_attention"); attention != "" {
		opts.NeedsAttention, err = strconv.ParseBool(attention)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}
	}

	instances, err := h.engine.ListInstances(c.Context(), opts)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instances":   instances,
		"total_count": len(instances),
	})
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	details, err := h.engine.GetInstance(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(details)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return missingActor(c)
	}

	req, err := h.bindReason(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.engine.Cancel(c.Context(), c.Params("id"), actorID, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

// Steps

func (h *APIHandlers) GetStep(c fiber.Ctx) error {
	execution, err := h.engine.GetStepExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) DecideStep(c fiber.Ctx) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return missingActor(c)
	}

	var req DecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.Decide(c.Context(), c.Params("id"), req.input(actorID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) SkipStep(c fiber.Ctx) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return missingActor(c)
	}

	req, err := h.bindReason(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.Skip(c.Context(), c.Params("id"), actorID, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// Approval requests

func (h *APIHandlers) ListRequests(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	requests, err := h.approvals.List(c.Context(), persistence.ListRequestsOptions{
		CompanyID:    c.Query("company_id"),
		Status:       models.RequestStatus(c.Query("status")),
		AssignedTo:   c.Query("assigned_to"),
		AssignedRole: c.Query("assigned_role"),
		EntityType:   c.Query("entity_type"),
		EntityID:     c.Query("entity_id"),
		InstanceID:   c.Query("instance_id"),
		Limit:        limit,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"requests":    requests,
		"total_count": len(requests),
	})
}

func (h *APIHandlers) CreateRequest(c fiber.Ctx) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return missingActor(c)
	}

	var req CreateRequestRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.approvals.CreateStandalone(c.Context(), req.request(actorID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetRequest(c fiber.Ctx) error {
	request, err := h.approvals.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(request)
}

func (h *APIHandlers) DecideRequest(c fiber.Ctx) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return missingActor(c)
	}

	var req DecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	request, err := h.approvals.SubmitDecision(c.Context(), c.Params("id"), req.input(actorID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(request)
}

func (h *APIHandlers) AddComment(c fiber.Ctx) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return missingActor(c)
	}

	var req CommentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	comment, err := h.approvals.AddComment(c.Context(), c.Params("id"), &models.ApprovalComment{
		AuthorID: actorID,
		Text:     req.Text,
		Internal: req.Internal,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(comment)
}

func (h *APIHandlers) ListComments(c fiber.Ctx) error {
	includeInternal := false

	if raw := c.Query("include_internal"); raw != "" {
		var err error

		includeInternal, err = strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}
	}

	comments, err := h.approvals.ListComments(c.Context(), c.Params("id"), includeInternal)
	if err != nil {
		return handleServiceError(c, err)
	}

	if comments == nil {
		comments = []*models.ApprovalComment{}
	}

	return c.JSON(fiber.Map{"comments": comments})
}

func (h *APIHandlers) ReopenRequest(c fiber.Ctx) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return missingActor(c)
	}

	req, err := h.bindReason(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	reopened, err := h.approvals.Reopen(c.Context(), c.Params("id"), actorID, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(reopened)
}

func (h *APIHandlers) CancelRequest(c fiber.Ctx) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return missingActor(c)
	}

	req, err := h.bindReason(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	request, err := h.approvals.Cancel(c.Context(), c.Params("id"), actorID, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(request)
}

// Sweep runs one timeout sweep immediately.
func (h *APIHandlers) Sweep(c fiber.Ctx) error {
	result, err := h.engine.TimeoutSweep(c.Context(), time.Now().UTC())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

// bindReason accepts an empty body.
func (h *APIHandlers) bindReason(c fiber.Ctx) (ReasonRequest, error) {
	var req ReasonRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return req, err
		}
	}

	return req, h.validator.Struct(req)
}

func queryInt(c fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}

	return strconv.Atoi(raw)
}
