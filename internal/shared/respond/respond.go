// Package respond renders errors from fiber handlers as JSON bodies of the
// form {"error": "..."}.
package respond

import (
	"errors"

	"backend-pawwalk/internal/apperr"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type body struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ErrorHandler maps fiber errors and the apperr taxonomy onto status codes.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *fiber.Ctx, err error) error {
		status := apperr.HTTPStatus(err)
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		if status >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
		}
		return c.Status(status).JSON(body{Error: err.Error(), Code: apperr.CodeOf(err)})
	}
}
