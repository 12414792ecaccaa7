package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Syncer is anything with a pending-sync sweep; every Engine is one.
type Syncer interface {
	Kind() string
	SyncPending(ctx context.Context) (Report, error)
}

// Sweeper runs SyncPending over a set of engines on a fixed interval.
type Sweeper struct {
	syncers  []Syncer
	interval time.Duration
	status   *StatusSignal
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(interval time.Duration, log *zap.Logger, syncers ...Syncer) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{syncers: syncers, interval: interval, log: log}
}

// WithStatus makes every SyncAll one sweep on sig, so engines sharing sig
// report a single aggregated outcome per pass.
func (s *Sweeper) WithStatus(sig *StatusSignal) *Sweeper {
	s.status = sig
	return s
}

// Start begins the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
	s.log.Info("sync sweeper started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for the current sweep to return.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("sync sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SyncAll(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(s.ctx)
		}
	}
}

// SyncAll sweeps every engine in turn and returns the reports keyed by kind.
func (s *Sweeper) SyncAll(ctx context.Context) (map[string]Report, error) {
	reports := make(map[string]Report, len(s.syncers))
	var errs []error
	if s.status != nil {
		s.status.begin()
		defer func() {
			outcome := StatusSuccess
			if len(errs) > 0 {
				outcome = StatusError
			}
			s.status.end(outcome)
		}()
	}
	for _, sy := range s.syncers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := sy.SyncPending(ctx)
		if err != nil {
			s.log.Error("sync sweep failed", zap.String("kind", sy.Kind()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		reports[sy.Kind()] = report
	}
	return reports, errors.Join(errs...)
}
