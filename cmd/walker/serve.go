package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-pawwalk/internal/agent"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the device agent API and the background sync loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(signals)
			return serve(cmd.Context(), signals, defaultListen)
		},
	}
}

// serve restores any interrupted walk, starts the sweeper and serves the agent
// until a signal arrives or ctx ends.
func serve(ctx context.Context, signals <-chan os.Signal, listen ListenFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()
	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	rt, err := openRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.PushTimeout)
		defer cancel()
		rt.close(closeCtx)
	}()

	if rec, ok, err := rt.manager.Restore(ctx); err != nil {
		log.Error("restore active walk failed", zap.Error(err))
	} else if ok {
		log.Info("resumed walk", zap.String("walk_id", rec.ID), zap.Float64("distance_m", rec.DistanceM))
	}

	rt.sweeper.Start(ctx)

	a := agent.New(agent.Deps{
		Manager:  rt.manager,
		Payments: rt.billing,
		Syncer:   rt.sweeper,
		Status:   rt.status,
		Logger:   log.Named("agent"),
	})
	defer a.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(a.App, cfg.WalkerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.App.ShutdownWithContext(shutdownCtx)
}
