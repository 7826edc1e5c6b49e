package web

import (
	"errors"

	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/dukex/crucible/pkg/recovery"
	"github.com/dukex/crucible/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// graphProblem is a problem document that also lists the graph validator's
// findings.
type graphProblem struct {
	Type     string                  `json:"type"`
	Title    string                  `json:"title"`
	Status   int                     `json:"status"`
	Detail   string                  `json:"detail"`
	Instance string                  `json:"instance"`
	Errors   []graph.ValidationError `json:"errors"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		if graphErrors := services.GraphErrors(err); len(graphErrors) > 0 {
			return c.Status(fiber.StatusBadRequest).JSON(graphProblem{
				Type:     "invalid_graph",
				Title:    "Bad Request",
				Status:   fiber.StatusBadRequest,
				Detail:   err.Error(),
				Instance: c.Path(),
				Errors:   graphErrors,
			})
		}

		return badRequest(c, err.Error())

	case services.IsConflictError(err):
		return conflict(c, err.Error())

	case errors.Is(err, recovery.ErrSweepInProgress):
		return conflict(c, "a recovery sweep is already running")

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow_not_found", "workflow not found")

	case persistence.IsExperimentNotFound(err):
		return notFound(c, "experiment_not_found", "experiment not found")

	case persistence.IsStepNotFound(err):
		return notFound(c, "step_not_found", "step not found")

	default:
		return internalError(c, err)
	}
}
