package admin

import (
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
)

// AppError is an error with an HTTP status and a stable machine code,
// rendered as {"error": {...}}.
type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail points at one failing form field.
type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string { return e.Message }

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func errorf(code string, status int, format string, args ...any) *AppError {
	return NewAppError(code, status, fmt.Sprintf(format, args...))
}

func NotFoundError(entity, id string) *AppError {
	return errorf("NOT_FOUND", fiber.StatusNotFound, "%s object with primary key %q does not exist.", entity, id)
}

func UnknownEntityError(name string) *AppError {
	return errorf("UNKNOWN_ENTITY", fiber.StatusNotFound, "Unknown entity: %s", name)
}

func ValidationError(details []ErrorDetail) *AppError {
	e := NewAppError("VALIDATION_FAILED", fiber.StatusUnprocessableEntity, "Validation failed")
	e.Details = details
	return e
}

// ManagementFormError reports an inline formset submitted without its
// TOTAL_FORMS / INITIAL_FORMS keys.
func ManagementFormError(prefix string) *AppError {
	return errorf("MISSING_MANAGEMENT_FORM", fiber.StatusBadRequest, "Missing %s ManagementForm data", prefix)
}

func BadRequestError(msg string) *AppError {
	return NewAppError("BAD_REQUEST", fiber.StatusBadRequest, msg)
}

func UnauthorizedError(msg string) *AppError {
	return NewAppError("UNAUTHORIZED", fiber.StatusUnauthorized, msg)
}

func ForbiddenError(msg string) *AppError {
	return NewAppError("FORBIDDEN", fiber.StatusForbidden, msg)
}

// ErrorHandler is the fiber.Config ErrorHandler. Errors that are neither
// AppError nor fiber.Error are logged and reported as a bare 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var (
		appErr   *AppError
		fiberErr *fiber.Error
	)
	switch {
	case errors.As(err, &appErr):
	case errors.As(err, &fiberErr):
		appErr = errorf("HTTP_ERROR", fiberErr.Code, "%s", fiberErr.Message)
	default:
		log.Printf("ERROR: %s %s: %v", c.Method(), c.Path(), err)
		appErr = NewAppError("INTERNAL_ERROR", fiber.StatusInternalServerError, "Internal server error")
	}
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}
