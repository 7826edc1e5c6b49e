// Package web provides HTTP handlers and REST API endpoints for workflows and
// experiments.
package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/recovery"
	"github.com/dukex/crucible/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Sweeper runs one recovery pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (*recovery.Report, error)
}

type APIHandlers struct {
	workflowService   *services.Workflow
	experimentService *services.Experiment
	sweeper           Sweeper
	validator         *validator.Validate
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	experimentService *services.Experiment,
	sweeper Sweeper,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflowService:   workflowService,
		experimentService: experimentService,
		sweeper:           sweeper,
		validator:         validator,
	}
}

// Routes mounts every workflow, experiment and recovery endpoint on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Put("/:id/graph", h.ReplaceWorkflowGraph)
	w.Post("/:id/validate", h.ValidateWorkflow)
	w.Post("/:id/activate", h.ActivateWorkflow)
	w.Post("/:id/archive", h.ArchiveWorkflow)

	e := router.Group("/experiments")
	e.Get("/", h.GetExperiments)
	e.Post("/", h.CreateExperiment)
	e.Get("/:id", h.GetExperiment)
	e.Post("/:id/workflow", h.AttachWorkflow)
	e.Get("/:id/transitions", h.GetTransitions)
	e.Post("/:id/transitions", h.TransitionExperiment)
	e.Get("/:id/steps", h.GetSteps)
	e.Get("/:id/failures", h.GetFailures)
	e.Post("/:id/start", h.StartExperiment)
	e.Post("/:id/pause", h.PauseExperiment)
	e.Post("/:id/resume", h.ResumeExperiment)
	e.Post("/:id/kill", h.KillExperiment)
	e.Post("/:id/retry", h.RetryExperiment)
	e.Post("/:id/retry-from-step", h.RetryFromStep)

	router.Post("/recovery/sweep", h.Sweep)
	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Crucible API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Crucible API is healthy"
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

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	var status *models.WorkflowStatus

	if raw := c.Query("status"); raw != "" {
		s := models.WorkflowStatus(raw)
		status = &s
	}

	workflows, err := h.workflowService.List(c.Context(), status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	nodes := req.Nodes
	if nodes == nil {
		nodes = []*models.WorkflowNode{}
	}

	edges := req.Edges
	if edges == nil {
		edges = []*models.WorkflowEdge{}
	}

	created, err := h.workflowService.Create(c.Context(), &models.Workflow{
		Name:              req.Name,
		Description:       req.Description,
		Owner:             req.Owner,
		MaxLoopIterations: req.MaxLoopIterations,
		Nodes:             nodes,
		Edges:             edges,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) ReplaceWorkflowGraph(c fiber.Ctx) error {
	var req ReplaceGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Nodes == nil {
		req.Nodes = []*models.WorkflowNode{}
	}

	if req.Edges == nil {
		req.Edges = []*models.WorkflowEdge{}
	}

	workflow, err := h.workflowService.ReplaceGraph(c.Context(), c.Params("id"), req.Nodes, req.Edges)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	errs, err := h.workflowService.Validate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if errs == nil {
		errs = []graph.ValidationError{}
	}

	return c.JSON(ValidateWorkflowResponse{Valid: len(errs) == 0, Errors: errs})
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	archived, err := h.workflowService.Delete(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if archived {
		return c.JSON(DeleteWorkflowResponse{ID: id, Archived: true})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// GetExperiments lists experiments. The status query takes a comma separated
// list of states.
func (h *APIHandlers) GetExperiments(c fiber.Ctx) error {
	var statuses []models.ExperimentStatus

	if raw := c.Query("status"); raw != "" {
		for part := range strings.SplitSeq(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, models.ExperimentStatus(part))
			}
		}
	}

	experiments, err := h.experimentService.List(c.Context(), statuses...)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"experiments": experiments,
		"total_count": len(experiments),
	})
}

func (h *APIHandlers) GetExperiment(c fiber.Ctx) error {
	experiment, err := h.experimentService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(experiment)
}

func (h *APIHandlers) CreateExperiment(c fiber.Ctx) error {
	var req services.CreateExperimentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	experiment, err := h.experimentService.Create(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(experiment)
}

func (h *APIHandlers) AttachWorkflow(c fiber.Ctx) error {
	var req AttachWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	experiment, err := h.experimentService.AttachWorkflow(c.Context(), c.Params("id"), req.WorkflowID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(experiment)
}

func (h *APIHandlers) GetTransitions(c fiber.Ctx) error {
	transitions, err := h.experimentService.Transitions(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"transitions": transitions})
}

func (h *APIHandlers) TransitionExperiment(c fiber.Ctx) error {
	var req services.TransitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	experiment, err := h.experimentService.Transition(c.Context(), c.Params("id"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(experiment)
}

func (h *APIHandlers) GetSteps(c fiber.Ctx) error {
	steps, err := h.experimentService.Steps(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"steps": steps})
}

func (h *APIHandlers) GetFailures(c fiber.Ctx) error {
	summary, err := h.experimentService.FailureSummary(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(summary)
}

func (h *APIHandlers) StartExperiment(c fiber.Ctx) error {
	return h.action(c, func(ctx context.Context, id string, req ActionRequest) (*models.Experiment, error) {
		return h.experimentService.Start(ctx, id, req.ActorID)
	})
}

func (h *APIHandlers) PauseExperiment(c fiber.Ctx) error {
	return h.action(c, func(ctx context.Context, id string, req ActionRequest) (*models.Experiment, error) {
		return h.experimentService.Pause(ctx, id, req.ActorID, req.Reason)
	})
}

func (h *APIHandlers) ResumeExperiment(c fiber.Ctx) error {
	return h.action(c, func(ctx context.Context, id string, req ActionRequest) (*models.Experiment, error) {
		return h.experimentService.Resume(ctx, id, req.ActorID, req.Reason)
	})
}

func (h *APIHandlers) KillExperiment(c fiber.Ctx) error {
	return h.action(c, func(ctx context.Context, id string, req ActionRequest) (*models.Experiment, error) {
		return h.experimentService.Kill(ctx, id, req.ActorID, req.Reason)
	})
}

func (h *APIHandlers) RetryExperiment(c fiber.Ctx) error {
	return h.action(c, func(ctx context.Context, id string, req ActionRequest) (*models.Experiment, error) {
		return h.experimentService.Retry(ctx, id, req.ActorID)
	})
}

func (h *APIHandlers) RetryFromStep(c fiber.Ctx) error {
	var req RetryFromStepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	experiment, err := h.experimentService.RetryFromStep(c.Context(), c.Params("id"), req.StepID, req.ActorID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(experiment)
}

func (h *APIHandlers) Sweep(c fiber.Ctx) error {
	report, err := h.sweeper.Sweep(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(report)
}

type actionFunc func(ctx context.Context, id string, req ActionRequest) (*models.Experiment, error)

func (h *APIHandlers) action(c fiber.Ctx, run actionFunc) error {
	var req ActionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	experiment, err := run(c.Context(), c.Params("id"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(experiment)
}
