package records

import (
	"errors"
	"strconv"
	"time"

	"backend-pawwalk/internal/apperr"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts POST /:resource, GET /:resource, GET /:resource/:id
// and PUT /:resource/:id. Errors are rendered by the app's error handler.
func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/:resource", authMiddleware, func(c *fiber.Ctx) error {
		stored, created, err := svc.Create(c.UserContext(), c.Params("resource"), c.Body())
		if err != nil {
			return err
		}
		status := fiber.StatusOK
		if created {
			status = fiber.StatusCreated
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(status).Send(stored)
	})

	r.Get("/:resource", authMiddleware, func(c *fiber.Ctx) error {
		var since time.Time
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "since must be RFC3339")
			}
			since = parsed
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		list, err := svc.List(c.UserContext(), c.Params("resource"), since, limit)
		if err != nil {
			return err
		}
		return c.JSON(list)
	})

	r.Get("/:resource/:id", authMiddleware, func(c *fiber.Ctx) error {
		stored, err := svc.Get(c.UserContext(), c.Params("resource"), c.Params("id"))
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(stored)
	})

	r.Put("/:resource/:id", authMiddleware, func(c *fiber.Ctx) error {
		stored, err := svc.Update(c.UserContext(), c.Params("resource"), c.Params("id"), c.Body())
		if errors.Is(err, apperr.ErrConflict) {
			// The client adopts the stored copy from the 409 body.
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(fiber.StatusConflict).Send(stored)
		}
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(stored)
	})
}
