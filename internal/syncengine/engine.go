// Package syncengine keeps a durable local copy of records and reconciles it
// with a remote source of truth. Local writes always succeed without the
// network; pushes and refreshes run in the background and conflicts are
// resolved last-writer-wins on UpdatedAt.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/observe"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type OutcomeKind string

const (
	OutcomeSynced     OutcomeKind = "synced"
	OutcomeFailed     OutcomeKind = "failed"
	OutcomeConflict   OutcomeKind = "conflict"
	OutcomeRefreshed  OutcomeKind = "refreshed"
	OutcomeSkipped    OutcomeKind = "skipped"
	OutcomeSuperseded OutcomeKind = "superseded"
)

// Outcome reports what happened to one record during a push or refresh.
// Discarded holds the local write dropped by conflict resolution.
type Outcome[T any] struct {
	Kind       OutcomeKind
	RecordKind string
	ID         string
	Record     T
	Discarded  *T
	Attempts   int
	Err        error
}

// Report summarizes one SyncPending run.
type Report struct {
	Attempted  int `json:"attempted"`
	Synced     int `json:"synced"`
	Failed     int `json:"failed"`
	Conflicts  int `json:"conflicts"`
	Superseded int `json:"superseded"`
}

func (r *Report) add(kind OutcomeKind) {
	switch kind {
	case OutcomeSynced, OutcomeSkipped:
		r.Synced++
	case OutcomeFailed:
		r.Failed++
	case OutcomeConflict:
		r.Conflicts++
	case OutcomeSuperseded:
		r.Superseded++
	}
}

func (r Report) Status() Status {
	switch {
	case r.Conflicts > 0:
		return StatusConflict
	case r.Failed > 0:
		return StatusError
	}
	return StatusSuccess
}

type Config struct {
	// Kind namespaces records in the local store, e.g. "walks".
	Kind          string
	Concurrency   int
	CacheCapacity int
	PushTimeout   time.Duration
	// RefreshMinInterval throttles background refreshes per record.
	RefreshMinInterval time.Duration
	Policy             RetryPolicy
	Status             *StatusSignal
	Logger             *zap.Logger
}

type Engine[T Record[T]] struct {
	kind        string
	store       LocalStore
	remote      Remote[T]
	cache       *lru.Cache[string, Envelope[T]]
	policy      RetryPolicy
	concurrency int
	pushTimeout time.Duration
	refreshMin  time.Duration
	status      *StatusSignal
	outcomes    *observe.Subject[Outcome[T]]
	log         *zap.Logger

	writeLocks  keyedMutex
	pushLocks   keyedMutex
	queued      sync.Map
	lastRefresh sync.Map
	refreshes   singleflight.Group
	sweeps      singleflight.Group

	closeMu sync.RWMutex
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func New[T Record[T]](store LocalStore, remote Remote[T], cfg Config) (*Engine[T], error) {
	if cfg.Kind == "" {
		return nil, errors.New("syncengine: kind required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 256
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 30 * time.Second
	}
	if cfg.Policy == nil {
		cfg.Policy = NoRetry{}
	}
	if cfg.Status == nil {
		cfg.Status = NewStatusSignal()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	cache, err := lru.New[string, Envelope[T]](cfg.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("syncengine: cache: %w", err)
	}

	return &Engine[T]{
		kind:        cfg.Kind,
		store:       store,
		remote:      remote,
		cache:       cache,
		policy:      cfg.Policy,
		concurrency: cfg.Concurrency,
		pushTimeout: cfg.PushTimeout,
		refreshMin:  cfg.RefreshMinInterval,
		status:      cfg.Status,
		outcomes:    observe.NewSubject[Outcome[T]](),
		log:         cfg.Logger.With(zap.String("kind", cfg.Kind)),
	}, nil
}

func (e *Engine[T]) Kind() string { return e.kind }

func (e *Engine[T]) Status() *StatusSignal { return e.status }

// SubscribeOutcomes registers fn for per-record push and refresh results.
func (e *Engine[T]) SubscribeOutcomes(fn func(Outcome[T])) func() {
	return e.outcomes.Subscribe(fn)
}

// Save durably writes rec as unsynced, then schedules a background push. It
// returns as soon as the local write is done.
func (e *Engine[T]) Save(ctx context.Context, rec T) (T, error) {
	var zero T
	id := rec.RecordID()
	if id == "" {
		return zero, fmt.Errorf("%w: %s record without id", apperr.ErrValidationFailed, e.kind)
	}
	env, err := e.envelope(rec, false, StatePendingPush)
	if err != nil {
		return zero, err
	}

	unlock := e.writeLocks.Lock(id)
	err = e.put(ctx, env)
	unlock()
	if err != nil {
		return zero, fmt.Errorf("save %s %s: %w", e.kind, id, err)
	}

	e.schedulePush(id)
	return env.Record, nil
}

// Get serves from cache, then the local store, and kicks off a background
// refresh from the remote either way.
func (e *Engine[T]) Get(ctx context.Context, id string) (T, error) {
	defer e.scheduleRefresh(id)

	if env, ok := e.cache.Get(id); ok {
		return env.Record, nil
	}
	env, err := e.Envelope(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	e.cache.Add(id, env)
	return env.Record, nil
}

// Envelope reads the stored record together with its sync bookkeeping.
func (e *Engine[T]) Envelope(ctx context.Context, id string) (Envelope[T], error) {
	stored, err := e.store.Get(ctx, e.kind, id)
	if err != nil {
		return Envelope[T]{}, fmt.Errorf("get %s %s: %w", e.kind, id, err)
	}
	return e.decode(stored)
}

func (e *Engine[T]) List(ctx context.Context) ([]T, error) {
	stored, err := e.store.List(ctx, e.kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", e.kind, err)
	}
	out := make([]T, 0, len(stored))
	for _, s := range stored {
		env, err := e.decode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, env.Record)
	}
	return out, nil
}

// Purge removes a synced record from local storage. Unsynced records are
// refused.
func (e *Engine[T]) Purge(ctx context.Context, id string) error {
	unlock := e.writeLocks.Lock(id)
	defer unlock()
	if err := e.store.Delete(ctx, e.kind, id); err != nil {
		return fmt.Errorf("purge %s %s: %w", e.kind, id, err)
	}
	e.cache.Remove(id)
	return nil
}

// SyncPending pushes every unsynced record. Concurrent callers share a single
// run and its report.
func (e *Engine[T]) SyncPending(ctx context.Context) (Report, error) {
	v, err, _ := e.sweeps.Do("sweep", func() (any, error) {
		return e.syncPending(ctx)
	})
	report, _ := v.(Report)
	return report, err
}

func (e *Engine[T]) syncPending(ctx context.Context) (Report, error) {
	e.status.begin()

	pending, err := e.store.ListUnsynced(ctx, e.kind)
	if err != nil {
		e.status.end(StatusError)
		return Report{}, fmt.Errorf("list unsynced %s: %w", e.kind, err)
	}

	report := Report{Attempted: len(pending)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, p := range pending {
		id := p.ID
		g.Go(func() error {
			out := e.push(ctx, id, false)
			mu.Lock()
			report.add(out.Kind)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.status.end(report.Status())
	e.log.Info("sync sweep finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed),
		zap.Int("conflicts", report.Conflicts),
	)
	return report, nil
}

// Wait blocks until background pushes and refreshes finish.
func (e *Engine[T]) Wait() {
	e.wg.Wait()
}

// Close stops scheduling background work and waits for in-flight pushes,
// which are never cancelled here, until ctx expires.
func (e *Engine[T]) Close(ctx context.Context) error {
	e.closeMu.Lock()
	e.closed.Store(true)
	e.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine[T]) track() bool {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Engine[T]) schedulePush(id string) {
	if _, loaded := e.queued.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	if !e.track() {
		e.queued.Delete(id)
		return
	}
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.pushTimeout)
		defer cancel()
		e.push(ctx, id, true)
	}()
}

// push serializes pushes per id and publishes the outcome once the lock is
// released.
func (e *Engine[T]) push(ctx context.Context, id string, queued bool) Outcome[T] {
	unlock := e.pushLocks.Lock(id)
	if queued {
		e.queued.Delete(id)
	}
	out := e.pushWithRetry(ctx, id)
	unlock()

	if out.Kind != OutcomeSkipped {
		e.outcomes.Publish(out)
	}
	return out
}

func (e *Engine[T]) pushWithRetry(ctx context.Context, id string) Outcome[T] {
	for attempt := 1; ; attempt++ {
		out, err := e.pushOnce(ctx, id)
		if err == nil {
			return out
		}

		retry := e.policy.ShouldRetry(err, attempt)
		var delay time.Duration
		if retry {
			delay = e.policy.RetryDelay(attempt)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				retry = false
			}
		}
		out = e.recordFailure(ctx, id, err, !retry)
		e.log.Warn("push failed",
			zap.String("id", id),
			zap.Int("attempt", attempt),
			zap.Bool("retry", retry),
			zap.String("category", string(apperr.CategoryOf(err))),
			zap.Error(err),
		)
		if !retry {
			return out
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.recordFailure(ctx, id, ctx.Err(), true)
		case <-timer.C:
		}
	}
}

func (e *Engine[T]) pushOnce(ctx context.Context, id string) (Outcome[T], error) {
	skipped := Outcome[T]{Kind: OutcomeSkipped, RecordKind: e.kind, ID: id}

	stored, err := e.store.Get(ctx, e.kind, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return skipped, nil
	}
	if err != nil {
		return Outcome[T]{}, err
	}
	if stored.IsSynced {
		return skipped, nil
	}
	local, err := e.decode(stored)
	if err != nil {
		return Outcome[T]{}, err
	}

	remoteRec, err := e.remote.Fetch(ctx, id)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		// Create is idempotent on the id, so it may hand back a copy another
		// push already stored.
		created, err := e.remote.Create(ctx, local.Record)
		if err != nil {
			return Outcome[T]{}, err
		}
		if created.RecordUpdatedAt().After(local.Revision) {
			return e.adopt(ctx, local, created)
		}
		return e.reconcile(ctx, local, created)
	case err != nil:
		return Outcome[T]{}, err
	case remoteRec.RecordUpdatedAt().After(local.Revision):
		return e.adopt(ctx, local, remoteRec)
	default:
		return e.reconcile(ctx, local, remoteRec)
	}
}

// reconcile pushes local over a remote copy that is not newer, unless the
// remote already holds the same content.
func (e *Engine[T]) reconcile(ctx context.Context, local Envelope[T], remoteRec T) (Outcome[T], error) {
	id := local.Record.RecordID()
	sum, err := Checksum(remoteRec.WithSynced(false))
	if err == nil && sum == local.Checksum {
		return e.markSynced(ctx, local)
	}
	if _, err := e.remote.Update(ctx, id, local.Record); err != nil {
		if !errors.Is(err, apperr.ErrConflict) {
			return Outcome[T]{}, err
		}
		e.markConflict(ctx, local, err)
		latest, ferr := e.remote.Fetch(ctx, id)
		if ferr != nil {
			return Outcome[T]{}, ferr
		}
		return e.adopt(ctx, local, latest)
	}
	return e.markSynced(ctx, local)
}

// markSynced flags the pushed revision as synced unless a newer local write
// replaced it meanwhile.
func (e *Engine[T]) markSynced(ctx context.Context, pushed Envelope[T]) (Outcome[T], error) {
	id := pushed.Record.RecordID()
	ctx = context.WithoutCancel(ctx)
	unlock := e.writeLocks.Lock(id)
	defer unlock()

	current, err := e.store.Get(ctx, e.kind, id)
	if err != nil {
		return Outcome[T]{}, err
	}
	if current.Checksum != pushed.Checksum {
		return Outcome[T]{Kind: OutcomeSuperseded, RecordKind: e.kind, ID: id, Record: pushed.Record}, nil
	}
	env, err := e.envelope(pushed.Record, true, StateSynced)
	if err != nil {
		return Outcome[T]{}, err
	}
	if err := e.put(ctx, env); err != nil {
		return Outcome[T]{}, err
	}
	return Outcome[T]{Kind: OutcomeSynced, RecordKind: e.kind, ID: id, Record: env.Record}, nil
}

// adopt resolves a conflict last-writer-wins: the newer remote copy replaces
// the local pending write, which is reported as discarded. A local write that
// is itself newer than the remote copy is left alone for its own push.
func (e *Engine[T]) adopt(ctx context.Context, local Envelope[T], remoteRec T) (Outcome[T], error) {
	id := local.Record.RecordID()
	ctx = context.WithoutCancel(ctx)
	unlock := e.writeLocks.Lock(id)
	defer unlock()

	current, err := e.store.Get(ctx, e.kind, id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Outcome[T]{}, err
	}
	if err == nil && current.Revision.After(remoteRec.RecordUpdatedAt()) {
		return Outcome[T]{Kind: OutcomeSuperseded, RecordKind: e.kind, ID: id, Record: local.Record}, nil
	}

	env, err := e.envelope(remoteRec, true, StateSynced)
	if err != nil {
		return Outcome[T]{}, err
	}
	if err := e.put(ctx, env); err != nil {
		return Outcome[T]{}, err
	}
	discarded := local.Record
	e.log.Warn("conflict resolved: remote copy adopted, local write discarded",
		zap.String("id", id),
		zap.Time("local_revision", local.Revision),
		zap.Time("remote_revision", remoteRec.RecordUpdatedAt()),
	)
	return Outcome[T]{
		Kind:       OutcomeConflict,
		RecordKind: e.kind,
		ID:         id,
		Record:     env.Record,
		Discarded:  &discarded,
		Err:        apperr.ErrConflict,
	}, nil
}

// markConflict flags the pushed revision as rejected by the remote until the
// winning copy is fetched and adopted.
func (e *Engine[T]) markConflict(ctx context.Context, pushed Envelope[T], cause error) {
	id := pushed.Record.RecordID()
	ctx = context.WithoutCancel(ctx)
	unlock := e.writeLocks.Lock(id)
	defer unlock()

	stored, err := e.store.Get(ctx, e.kind, id)
	if err != nil || stored.IsSynced || stored.Checksum != pushed.Checksum {
		return
	}
	env, err := e.decode(stored)
	if err != nil {
		return
	}
	env.State = StateConflict
	env.LastError = cause.Error()
	if err := e.put(ctx, env); err != nil {
		e.log.Error("recording conflict", zap.String("id", id), zap.Error(err))
	}
}

func (e *Engine[T]) recordFailure(ctx context.Context, id string, cause error, final bool) Outcome[T] {
	out := Outcome[T]{Kind: OutcomeFailed, RecordKind: e.kind, ID: id, Err: cause}
	ctx = context.WithoutCancel(ctx)
	unlock := e.writeLocks.Lock(id)
	defer unlock()

	stored, err := e.store.Get(ctx, e.kind, id)
	if err != nil {
		return out
	}
	env, err := e.decode(stored)
	if err != nil || env.IsSynced {
		return out
	}
	env.Attempts++
	env.LastError = cause.Error()
	switch {
	case env.State == StateConflict:
		// Stays flagged until a later push refetches the winning copy.
	case final:
		env.State = StateLocalOnly
	default:
		env.State = StatePendingPush
	}
	if err := e.put(ctx, env); err != nil {
		e.log.Error("recording push failure", zap.String("id", id), zap.Error(err))
	}
	out.Record = env.Record
	out.Attempts = env.Attempts
	return out
}

func (e *Engine[T]) scheduleRefresh(id string) {
	if e.refreshMin > 0 {
		now := time.Now()
		if last, ok := e.lastRefresh.Load(id); ok && now.Sub(last.(time.Time)) < e.refreshMin {
			return
		}
		e.lastRefresh.Store(id, now)
	}
	if !e.track() {
		return
	}
	go func() {
		defer e.wg.Done()
		_, _, _ = e.refreshes.Do(id, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), e.pushTimeout)
			defer cancel()
			e.refresh(ctx, id)
			return nil, nil
		})
	}()
}

// refresh adopts the remote copy when it is newer than the local one.
func (e *Engine[T]) refresh(ctx context.Context, id string) {
	remoteRec, err := e.remote.Fetch(ctx, id)
	if err != nil {
		e.log.Debug("refresh skipped", zap.String("id", id), zap.Error(err))
		return
	}

	unlock := e.writeLocks.Lock(id)
	stored, err := e.store.Get(ctx, e.kind, id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		unlock()
		return
	}
	if err == nil && !remoteRec.RecordUpdatedAt().After(stored.Revision) {
		unlock()
		return
	}

	out := Outcome[T]{Kind: OutcomeRefreshed, RecordKind: e.kind, ID: id}
	if err == nil && !stored.IsSynced {
		local, derr := e.decode(stored)
		if derr == nil {
			discarded := local.Record
			out.Kind = OutcomeConflict
			out.Discarded = &discarded
			out.Err = apperr.ErrConflict
		}
	}
	env, err := e.envelope(remoteRec, true, StateSynced)
	if err == nil {
		err = e.put(ctx, env)
	}
	unlock()
	if err != nil {
		e.log.Error("refresh write failed", zap.String("id", id), zap.Error(err))
		return
	}
	out.Record = env.Record
	e.outcomes.Publish(out)
}

func (e *Engine[T]) envelope(rec T, synced bool, state State) (Envelope[T], error) {
	rec = rec.WithSynced(synced)
	sum, err := Checksum(rec.WithSynced(false))
	if err != nil {
		return Envelope[T]{}, fmt.Errorf("checksum %s: %w", e.kind, err)
	}
	return Envelope[T]{
		Record:   rec,
		Revision: rec.RecordUpdatedAt(),
		IsSynced: synced,
		State:    state,
		Checksum: sum,
	}, nil
}

func (e *Engine[T]) put(ctx context.Context, env Envelope[T]) error {
	payload, err := json.Marshal(env.Record)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.kind, err)
	}
	id := env.Record.RecordID()
	if err := e.store.Upsert(ctx, StoredEnvelope{
		Kind:      e.kind,
		ID:        id,
		Payload:   payload,
		Revision:  env.Revision,
		IsSynced:  env.IsSynced,
		State:     env.State,
		Attempts:  env.Attempts,
		LastError: env.LastError,
		Checksum:  env.Checksum,
		StoredAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}
	e.cache.Add(id, env)
	return nil
}

func (e *Engine[T]) decode(stored StoredEnvelope) (Envelope[T], error) {
	var rec T
	if err := json.Unmarshal(stored.Payload, &rec); err != nil {
		return Envelope[T]{}, fmt.Errorf("decode %s %s: %w", e.kind, stored.ID, err)
	}
	return Envelope[T]{
		Record:    rec,
		Revision:  stored.Revision,
		IsSynced:  stored.IsSynced,
		State:     stored.State,
		Attempts:  stored.Attempts,
		LastError: stored.LastError,
		Checksum:  stored.Checksum,
	}, nil
}
