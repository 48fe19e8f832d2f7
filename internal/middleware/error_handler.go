package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"chatcore/internal/apperr"
)

// errorResponse is the wire shape of every error response the REST
// surface returns.
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorHandler is the centralized error-handler middleware: it maps
// apperr.AppError and raw fiber.Error values onto a single JSON shape,
// correlated by request id.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			if id, ok := c.Locals("requestID").(string); ok {
				requestID = id
			}
		}

		slog.Error("request failed",
			"error", err,
			"method", c.Method(),
			"path", c.Path(),
			"request_id", requestID,
		)

		if appErr, ok := apperr.IsAppError(err); ok {
			return c.Status(appErr.StatusCode()).JSON(errorResponse{
				Error:     string(appErr.Code),
				Message:   appErr.Message,
				Code:      appErr.StatusCode(),
				Timestamp: appErr.Timestamp,
				RequestID: requestID,
			})
		}

		if fiberErr, ok := err.(*fiber.Error); ok {
			code := apperr.InternalServer
			switch fiberErr.Code {
			case fiber.StatusBadRequest:
				code = apperr.BadRequest
			case fiber.StatusUnauthorized:
				code = apperr.Unauthorized
			case fiber.StatusNotFound:
				code = apperr.NotFound
			}
			return c.Status(fiberErr.Code).JSON(errorResponse{
				Error:     string(code),
				Message:   fiberErr.Message,
				Code:      fiberErr.Code,
				Timestamp: time.Now(),
				RequestID: requestID,
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
			Error:     string(apperr.InternalServer),
			Message:   "an unexpected error occurred",
			Code:      fiber.StatusInternalServerError,
			Timestamp: time.Now(),
			RequestID: requestID,
		})
	}
}
