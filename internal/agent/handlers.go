package agent

import (
	"bytes"
	"encoding/json"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/payment"
	"backend-pawwalk/internal/stream"
	"backend-pawwalk/internal/tracking"
	"backend-pawwalk/internal/walk"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type sampleResult struct {
	DeltaM   float64 `json:"delta_m"`
	Accepted bool    `json:"accepted"`
	Outlier  bool    `json:"outlier"`
}

type ingestResponse struct {
	Samples   []sampleResult `json:"samples"`
	DistanceM float64        `json:"distance_m"`
}

type endResponse struct {
	Walk    walk.Record     `json:"walk"`
	Payment *payment.Record `json:"payment,omitempty"`
}

type sessionResponse struct {
	Active      *walk.Record `json:"active"`
	DistanceM   float64      `json:"distance_m"`
	DurationSec int64        `json:"duration_sec"`
}

func registerRoutes(a *Agent) {
	a.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	walks := a.App.Group("/walks")

	walks.Post("/", func(c *fiber.Ctx) error {
		var req walk.ScheduleRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		rec, err := a.manager.Schedule(c.UserContext(), req)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(rec)
	})

	walks.Get("/", func(c *fiber.Ctx) error {
		list, err := a.manager.List(c.UserContext())
		if err != nil {
			return err
		}
		if list == nil {
			list = []walk.Record{}
		}
		return c.JSON(list)
	})

	walks.Get("/:id", func(c *fiber.Ctx) error {
		rec, err := a.manager.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(rec)
	})

	walks.Get("/:id/summary", func(c *fiber.Ctx) error {
		rec, err := a.manager.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(rec.Summary(a.now()))
	})

	walks.Post("/:id/start", func(c *fiber.Ctx) error {
		rec, err := a.manager.Start(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(rec)
	})

	walks.Post("/:id/locations", func(c *fiber.Ctx) error {
		positions, err := parsePositions(c.Body())
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		resp := ingestResponse{Samples: make([]sampleResult, 0, len(positions))}
		for _, p := range positions {
			sample, err := a.manager.IngestLocation(c.UserContext(), c.Params("id"), p)
			if err != nil {
				return err
			}
			resp.Samples = append(resp.Samples, sampleResult{DeltaM: sample.DeltaM, Accepted: sample.Accepted, Outlier: sample.Outlier})
		}
		resp.DistanceM = a.manager.Distance()
		return c.JSON(resp)
	})

	walks.Post("/:id/end", func(c *fiber.Ctx) error {
		rec, err := a.manager.End(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		resp := endResponse{Walk: rec}
		if a.payments != nil {
			pay, err := a.payments.CreateForWalk(c.UserContext(), rec)
			if err != nil {
				a.log.Error("payment record failed", zap.String("walk_id", rec.ID), zap.Error(err))
			} else {
				resp.Payment = &pay
			}
		}
		return c.JSON(resp)
	})

	walks.Post("/:id/cancel", func(c *fiber.Ctx) error {
		var body struct {
			Reason string `json:"reason"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		rec, err := a.manager.Cancel(c.UserContext(), c.Params("id"), body.Reason)
		if err != nil {
			return err
		}
		return c.JSON(rec)
	})

	a.App.Get("/session", func(c *fiber.Ctx) error {
		resp := sessionResponse{}
		if rec, ok := a.manager.Active(); ok {
			resp.Active = &rec
			resp.DistanceM = a.manager.Distance()
			resp.DurationSec = int64(a.manager.Duration().Seconds())
		}
		return c.JSON(resp)
	})

	a.App.Post("/sync", func(c *fiber.Ctx) error {
		if err := a.manager.Flush(c.UserContext()); err != nil {
			a.log.Warn("flush before sync failed", zap.Error(err))
		}
		reports, err := a.syncer.SyncAll(c.UserContext())
		body := fiber.Map{"reports": reports}
		if err != nil {
			body["error"] = err.Error()
		}
		if a.status != nil {
			body["status"] = a.status.Current()
		}
		return c.JSON(body)
	})

	a.App.Get("/sync/status", func(c *fiber.Ctx) error {
		if a.status == nil {
			return fiber.NewError(fiber.StatusNotFound, "sync status unavailable")
		}
		return c.JSON(fiber.Map{"status": a.status.Current()})
	})

	payments := a.App.Group("/payments")

	payments.Get("/:id", func(c *fiber.Ctx) error {
		if a.payments == nil {
			return apperr.ErrNotFound
		}
		rec, err := a.payments.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(rec)
	})

	payments.Post("/:id/capture", func(c *fiber.Ctx) error {
		if a.payments == nil {
			return apperr.ErrNotFound
		}
		rec, err := a.payments.Capture(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(rec)
	})

	payments.Post("/:id/refund", func(c *fiber.Ctx) error {
		if a.payments == nil {
			return apperr.ErrNotFound
		}
		rec, err := a.payments.Refund(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(rec)
	})

	stream.RegisterRoutes(a.App.Group("/events"), a.Hub)
}

// parsePositions accepts either one position object or an array of them.
func parsePositions(body []byte) ([]tracking.Position, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var list []tracking.Position
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var p tracking.Position
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return []tracking.Position{p}, nil
}
