// Package agent serves the device-local HTTP API that the walker app drives:
// walk lifecycle, location ingest, sync control and a websocket event feed.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"backend-pawwalk/internal/payment"
	"backend-pawwalk/internal/shared/respond"
	"backend-pawwalk/internal/stream"
	"backend-pawwalk/internal/syncengine"
	"backend-pawwalk/internal/walk"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// SessionTopic carries every walk event and sync status change.
const SessionTopic = "session"

// Syncer runs one sweep over all record kinds.
type Syncer interface {
	SyncAll(ctx context.Context) (map[string]syncengine.Report, error)
}

type Deps struct {
	Manager  *walk.Manager
	Payments *payment.Service
	Syncer   Syncer
	Status   *syncengine.StatusSignal
	Logger   *zap.Logger
	Clock    func() time.Time
}

type Agent struct {
	App *fiber.App
	Hub *stream.Hub

	manager  *walk.Manager
	payments *payment.Service
	syncer   Syncer
	status   *syncengine.StatusSignal
	now      func() time.Time
	log      *zap.Logger
	unsubs   []func()
}

type statusMessage struct {
	Kind   string            `json:"kind"`
	Status syncengine.Status `json:"status"`
	At     time.Time         `json:"at"`
}

func New(d Deps) *Agent {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	app := fiber.New(fiber.Config{ErrorHandler: respond.ErrorHandler(d.Logger)})
	app.Use(recover.New())
	app.Use(logger.New())

	a := &Agent{
		App:      app,
		Hub:      stream.NewHub(nil, d.Logger.Named("events")),
		manager:  d.Manager,
		payments: d.Payments,
		syncer:   d.Syncer,
		status:   d.Status,
		now:      d.Clock,
		log:      d.Logger,
	}
	a.unsubs = append(a.unsubs, d.Manager.Subscribe(a.forwardEvent))
	if d.Status != nil {
		a.unsubs = append(a.unsubs, d.Status.Subscribe(a.forwardStatus))
	}
	registerRoutes(a)
	return a
}

// Close detaches the event feed. The fiber app is shut down by the caller.
func (a *Agent) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.Hub.Close()
}

func (a *Agent) forwardEvent(ev walk.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	a.Hub.Broadcast(SessionTopic, payload)
	a.Hub.Broadcast(ev.WalkID, payload)
}

func (a *Agent) forwardStatus(st syncengine.Status) {
	payload, err := json.Marshal(statusMessage{Kind: "sync_status", Status: st, At: a.now()})
	if err != nil {
		return
	}
	a.Hub.Broadcast(SessionTopic, payload)
}
