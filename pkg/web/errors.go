package web

import (
	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// fieldExtensions lists the offending fields of a validation problem.
type fieldExtensions struct {
	Fields []models.FieldError `json:"fields,omitempty"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func missingActor(c fiber.Ctx) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("missing_actor").
		WithDetail(ActorHeader + " header is required")

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		problem := problems.Extend(
			problems.NewStatusProblem(400).
				WithInstance(c.Path()).
				WithType("validation_error").
				WithDetail(err.Error()),
			fieldExtensions{Fields: services.ValidationFields(err)},
		)

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case services.IsNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("not_found").
			WithDetail(err.Error())

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case services.IsAuthorizationError(err):
		problem := problems.NewStatusProblem(403).
			WithInstance(c.Path()).
			WithType("forbidden").
			WithDetail(err.Error())

		return c.Status(fiber.StatusForbidden).JSON(problem)

	case services.IsInvalidState(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("invalid_state").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
