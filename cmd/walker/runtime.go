package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backend-pawwalk/internal/config"
	"backend-pawwalk/internal/livefeed"
	"backend-pawwalk/internal/localstore"
	"backend-pawwalk/internal/payment"
	"backend-pawwalk/internal/remote"
	"backend-pawwalk/internal/syncengine"
	"backend-pawwalk/internal/tracking"
	"backend-pawwalk/internal/walk"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

var errLocked = errors.New("another walker process holds the data directory")

// runtime is the wired device core shared by the commands.
type runtime struct {
	cfg      config.Config
	log      *zap.Logger
	lock     *flock.Flock
	store    *localstore.Store
	status   *syncengine.StatusSignal
	walks    *syncengine.Engine[walk.Record]
	payments *syncengine.Engine[payment.Record]
	sweeper  *syncengine.Sweeper
	manager  *walk.Manager
	billing  *payment.Service
	live     *livefeed.Publisher
}

// acquireLock takes the single-writer lock on the data directory.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return nil, errLocked
	}
	return lock, nil
}

func openRuntime(cfg config.Config, log *zap.Logger) (*runtime, error) {
	lock, err := acquireLock(cfg.LockPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: log, lock: lock, status: syncengine.NewStatusSignal()}

	rt.store, err = localstore.Open(cfg.LocalDBPath)
	if err != nil {
		rt.close(context.Background())
		return nil, err
	}

	policy := syncengine.ExponentialBackoff{
		Base:        cfg.RetryBaseDelay,
		Max:         cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
	}
	engineCfg := func(kind string) syncengine.Config {
		return syncengine.Config{
			Kind:               kind,
			Concurrency:        cfg.SyncConcurrency,
			CacheCapacity:      cfg.CacheCapacity,
			PushTimeout:        cfg.PushTimeout,
			RefreshMinInterval: cfg.SyncInterval,
			Policy:             policy,
			Status:             rt.status,
			Logger:             log.Named("sync"),
		}
	}

	walkRemote := remote.NewClient[walk.Record](cfg.RemoteBaseURL, "walks", cfg.RemoteToken, cfg.RemoteTimeout, log.Named("remote"))
	if rt.walks, err = syncengine.New[walk.Record](rt.store, walkRemote, engineCfg("walks")); err != nil {
		rt.close(context.Background())
		return nil, err
	}
	payRemote := remote.NewClient[payment.Record](cfg.RemoteBaseURL, "payments", cfg.RemoteToken, cfg.RemoteTimeout, log.Named("remote"))
	if rt.payments, err = syncengine.New[payment.Record](rt.store, payRemote, engineCfg("payments")); err != nil {
		rt.close(context.Background())
		return nil, err
	}
	rt.sweeper = syncengine.NewSweeper(cfg.SyncInterval, log.Named("sweeper"), rt.walks, rt.payments).WithStatus(rt.status)

	opts := []tracking.Option{
		tracking.WithOutlierSpeed(tracking.KmhToMps(cfg.MaxSpeedKmh)),
		tracking.WithLogger(log.Named("tracker")),
	}
	var filters []tracking.FilterPolicy
	if cfg.FilterOutliers {
		filters = append(filters, tracking.MaxSpeedFilter(tracking.KmhToMps(cfg.MaxSpeedKmh)))
	}
	if cfg.MaxAccuracyM > 0 {
		filters = append(filters, tracking.MinAccuracyFilter(cfg.MaxAccuracyM))
	}
	if len(filters) > 0 {
		opts = append(opts, tracking.WithFilter(tracking.AllOf(filters...)))
	}

	var live walk.LivePublisher
	if cfg.MQTTBroker != "" {
		pub, err := livefeed.Connect(cfg.MQTTBroker, cfg.MQTTClientID, log.Named("livefeed"))
		if err != nil {
			log.Warn("live feed disabled", zap.Error(err))
		} else {
			rt.live = pub
			live = pub
		}
	}

	pricer, err := newPricer(cfg)
	if err != nil {
		rt.close(context.Background())
		return nil, err
	}
	rt.manager = walk.NewManager(rt.walks, tracking.NewTracker(opts...), walk.Options{
		FlushEvery:    cfg.RouteFlushEvery,
		FlushInterval: cfg.RouteFlushInterval,
		Pricer:        pricer,
		Live:          live,
		Logger:        log.Named("walk"),
	})
	rt.billing = payment.NewService(rt.payments, log.Named("payment"))
	return rt, nil
}

func newPricer(cfg config.Config) (walk.Pricer, error) {
	p := walk.DefaultPricer(cfg.PriceHourlyRate, cfg.PriceCurrency)
	var err error
	if p.PeakHours, err = walk.ParsePeakHours(cfg.PricePeakHours); err != nil {
		return walk.Pricer{}, err
	}
	if p.Holidays, err = walk.ParseHolidays(cfg.PriceHolidays); err != nil {
		return walk.Pricer{}, err
	}
	if cfg.PriceTimezone != "" {
		if p.Location, err = time.LoadLocation(cfg.PriceTimezone); err != nil {
			return walk.Pricer{}, fmt.Errorf("price timezone: %w", err)
		}
	}
	return p, nil
}

// close flushes the active walk and releases everything openRuntime acquired.
func (rt *runtime) close(ctx context.Context) {
	if rt.manager != nil {
		if err := rt.manager.Flush(ctx); err != nil {
			rt.log.Warn("final flush failed", zap.Error(err))
		}
		rt.manager.Close()
	}
	if rt.sweeper != nil {
		rt.sweeper.Stop()
	}
	if rt.walks != nil {
		if err := rt.walks.Close(ctx); err != nil {
			rt.log.Warn("walks engine close", zap.Error(err))
		}
	}
	if rt.payments != nil {
		if err := rt.payments.Close(ctx); err != nil {
			rt.log.Warn("payments engine close", zap.Error(err))
		}
	}
	if rt.live != nil {
		rt.live.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if rt.lock != nil {
		_ = rt.lock.Unlock()
	}
}
