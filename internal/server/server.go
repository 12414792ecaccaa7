package server

import (
	"fmt"

	"backend-pawwalk/internal/auth"
	"backend-pawwalk/internal/config"
	"backend-pawwalk/internal/db"
	"backend-pawwalk/internal/records"
	"backend-pawwalk/internal/shared/respond"
	"backend-pawwalk/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server is the records API that devices sync walks and payments against.
type Server struct {
	App     *fiber.App
	Cfg     config.Config
	DB      db.Querier
	Redis   *redis.Client
	Stream  *stream.Hub
	Records *records.Service
}

func NewServer(cfg config.Config, q db.Querier, redisClient *redis.Client, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	app := fiber.New(fiber.Config{ErrorHandler: respond.ErrorHandler(log)})
	app.Use(recover.New())
	app.Use(logger.New())

	hub := stream.NewHub(redisClient, log.Named("stream"))
	svc, err := records.NewService(q, hub, log.Named("records"))
	if err != nil {
		hub.Close()
		return nil, fmt.Errorf("records service: %w", err)
	}

	s := &Server{
		App:     app,
		Cfg:     cfg,
		DB:      q,
		Redis:   redisClient,
		Stream:  hub,
		Records: svc,
	}

	registerRoutes(s)
	return s, nil
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "resources": s.Records.Resources()})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
	records.RegisterRoutes(s.App, s.Records, jwtMiddleware)
}

// Close stops the stream relay. It may be called more than once.
func (s *Server) Close() {
	s.Stream.Close()
}
