// Package walk enforces the walk lifecycle and coordinates location tracking
// with offline-first persistence.
package walk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/observe"
	"backend-pawwalk/internal/shared/geo"
	"backend-pawwalk/internal/syncengine"
	"backend-pawwalk/internal/tracking"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists walk records; *syncengine.Engine[Record] satisfies it.
type Store interface {
	Save(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	SubscribeOutcomes(fn func(syncengine.Outcome[Record])) func()
}

// LivePublisher forwards accepted samples to live watchers.
type LivePublisher interface {
	PublishLocation(ctx context.Context, walkID string, p tracking.Position) error
}

type EventKind string

const (
	EventStatusChanged   EventKind = "status_changed"
	EventDistanceUpdated EventKind = "distance_updated"
	EventGeofenceExit    EventKind = "geofence_exit"
	EventConflict        EventKind = "conflict"
)

type Event struct {
	Kind      EventKind          `json:"kind"`
	WalkID    string             `json:"walk_id"`
	Status    Status             `json:"status"`
	DistanceM float64            `json:"distance_m"`
	Position  *tracking.Position `json:"position,omitempty"`
	At        time.Time          `json:"at"`
}

type ScheduleRequest struct {
	ID             string        `json:"id,omitempty"`
	OwnerID        string        `json:"owner_id"`
	WalkerID       string        `json:"walker_id"`
	DogID          string        `json:"dog_id"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	Geofence       *geo.Geofence `json:"geofence,omitempty"`
}

type Options struct {
	// FlushEvery persists the active walk after this many accepted samples.
	FlushEvery int
	// FlushInterval persists the active walk when this much time has passed
	// since the previous write.
	FlushInterval time.Duration
	Pricer        Pricer
	Live          LivePublisher
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Manager owns the single active-walk slot of a device.
type Manager struct {
	store   Store
	tracker *tracking.Tracker
	pricer  Pricer
	live    LivePublisher
	now     func() time.Time
	log     *zap.Logger

	flushEvery    int
	flushInterval time.Duration

	mu        sync.Mutex
	active    *Record
	unflushed int
	lastFlush time.Time
	inside    bool

	events      *observe.Subject[Event]
	unsubscribe func()
}

func NewManager(store Store, tracker *tracking.Tracker, opts Options) *Manager {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 10
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pricer.Currency == "" && opts.Pricer.HourlyRate == 0 {
		opts.Pricer = DefaultPricer(35, "USD")
	}

	m := &Manager{
		store:         store,
		tracker:       tracker,
		pricer:        opts.Pricer,
		live:          opts.Live,
		now:           opts.Clock,
		log:           opts.Logger,
		flushEvery:    opts.FlushEvery,
		flushInterval: opts.FlushInterval,
		events:        observe.NewSubject[Event](),
	}
	m.unsubscribe = store.SubscribeOutcomes(m.onOutcome)
	return m
}

// Close detaches the manager from sync outcomes.
func (m *Manager) Close() {
	m.unsubscribe()
}

func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.events.Subscribe(fn)
}

func (m *Manager) Schedule(ctx context.Context, req ScheduleRequest) (Record, error) {
	now := m.now()
	var missing []string
	if strings.TrimSpace(req.OwnerID) == "" {
		missing = append(missing, "owner_id")
	}
	if strings.TrimSpace(req.WalkerID) == "" {
		missing = append(missing, "walker_id")
	}
	if strings.TrimSpace(req.DogID) == "" {
		missing = append(missing, "dog_id")
	}
	if len(missing) > 0 {
		return Record{}, fmt.Errorf("%w: missing %s", apperr.ErrValidationFailed, strings.Join(missing, ", "))
	}
	if req.ScheduledStart.IsZero() || req.ScheduledStart.Before(now) {
		return Record{}, fmt.Errorf("%w: scheduled_start must not be in the past", apperr.ErrValidationFailed)
	}
	if req.Geofence != nil {
		if err := req.Geofence.Validate(); err != nil {
			return Record{}, fmt.Errorf("%w: %v", apperr.ErrValidationFailed, err)
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return Record{}, fmt.Errorf("%w: id must be a uuid", apperr.ErrValidationFailed)
	}

	rec := Record{
		ID:             id,
		OwnerID:        req.OwnerID,
		WalkerID:       req.WalkerID,
		DogID:          req.DogID,
		ScheduledStart: req.ScheduledStart,
		Status:         StatusScheduled,
		Currency:       m.pricer.Currency,
		Geofence:       req.Geofence,
		UpdatedAt:      now,
	}
	saved, err := m.store.Save(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	m.log.Info("walk scheduled", zap.String("walk_id", id), zap.Time("scheduled_start", req.ScheduledStart))
	m.publish(Event{Kind: EventStatusChanged, WalkID: id, Status: StatusScheduled, At: now})
	return saved, nil
}

func (m *Manager) Start(ctx context.Context, walkID string) (Record, error) {
	m.mu.Lock()
	if m.active != nil && m.active.ID == walkID {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: walk %s is already in progress", apperr.ErrInvalidTransition, walkID)
	}

	rec, err := m.store.Get(ctx, walkID)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	next, err := Next(rec.Status, OpStart)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	if m.active != nil {
		active := m.active.ID
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: walk %s is in progress", apperr.ErrSessionAlreadyActive, active)
	}

	now := m.now()
	rec = rec.Clone()
	rec.Status = next
	rec.ActualStart = &now
	rec.Route = nil
	rec.DistanceM = 0
	rec.UpdatedAt = now
	saved, err := m.store.Save(ctx, rec)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}

	m.tracker.Start(walkID)
	m.seatLocked(saved, now)
	m.mu.Unlock()

	m.log.Info("walk started", zap.String("walk_id", walkID))
	m.publish(Event{Kind: EventStatusChanged, WalkID: walkID, Status: next, At: now})
	return saved.Clone(), nil
}

// IngestLocation feeds p to the tracker and appends it to the active walk's
// route when accepted. The walk is persisted in batches.
func (m *Manager) IngestLocation(ctx context.Context, walkID string, p tracking.Position) (tracking.Sample, error) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return tracking.Sample{}, fmt.Errorf("%w: walk %s is not in progress", apperr.ErrInvalidTransition, walkID)
	}

	sample, err := m.tracker.Ingest(walkID, p)
	if err != nil || !sample.Accepted {
		m.mu.Unlock()
		return sample, err
	}

	now := m.now()
	rec := m.active
	rec.Route = append(rec.Route, p)
	rec.DistanceM = geo.RoundTo(m.tracker.Snapshot().DistanceM, 2)
	m.unflushed++

	events := []Event{{Kind: EventDistanceUpdated, WalkID: walkID, Status: rec.Status, DistanceM: rec.DistanceM, Position: &p, At: now}}
	exited := false
	if rec.Geofence != nil {
		inside := rec.Geofence.Contains(p.Lat, p.Lng)
		if m.inside && !inside {
			exited = true
			rec.GeofenceExits++
			events = append(events, Event{Kind: EventGeofenceExit, WalkID: walkID, Status: rec.Status, DistanceM: rec.DistanceM, Position: &p, At: now})
			m.log.Warn("walk left geofence", zap.String("walk_id", walkID), zap.Int("exits", rec.GeofenceExits))
		}
		m.inside = inside
	}

	var flushErr error
	if exited || m.unflushed >= m.flushEvery || now.Sub(m.lastFlush) >= m.flushInterval {
		flushErr = m.flushLocked(ctx, now)
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.publish(ev)
	}
	if m.live != nil {
		if err := m.live.PublishLocation(ctx, walkID, p); err != nil {
			m.log.Warn("live location publish failed", zap.String("walk_id", walkID), zap.Error(err))
		}
	}
	return sample, flushErr
}

// Flush persists unflushed samples of the active walk.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.unflushed == 0 {
		return nil
	}
	return m.flushLocked(ctx, m.now())
}

func (m *Manager) flushLocked(ctx context.Context, now time.Time) error {
	m.active.UpdatedAt = now
	saved, err := m.store.Save(ctx, m.active.Clone())
	if err != nil {
		return err
	}
	m.active.IsSynced = saved.IsSynced
	m.unflushed = 0
	m.lastFlush = now
	return nil
}

func (m *Manager) End(ctx context.Context, walkID string) (Record, error) {
	m.mu.Lock()
	rec, inSlot, err := m.lookupLocked(ctx, walkID)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	next, err := Next(rec.Status, OpEnd)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}

	var snap tracking.Snapshot
	if inSlot {
		snap = m.tracker.Stop()
		rec.DistanceM = geo.RoundTo(snap.DistanceM, 2)
	}

	now := m.now()
	rec.Status = next
	rec.ActualEnd = &now
	if rec.ActualStart != nil {
		rec.DurationSec = int64(now.Sub(*rec.ActualStart).Seconds())
		price, err := m.pricer.Quote(*rec.ActualStart, now)
		if err != nil {
			m.log.Warn("pricing failed", zap.String("walk_id", walkID), zap.Error(err))
		}
		rec.Price = price
		rec.Currency = m.pricer.Currency
	}
	rec.UpdatedAt = now

	saved, err := m.store.Save(ctx, rec)
	if err != nil {
		if inSlot {
			m.tracker.Resume(walkID, snap.DistanceM, snap.Last)
		}
		m.mu.Unlock()
		return Record{}, err
	}
	if inSlot {
		m.active = nil
	}
	m.mu.Unlock()

	m.log.Info("walk completed",
		zap.String("walk_id", walkID),
		zap.Float64("distance_m", saved.DistanceM),
		zap.Int64("duration_sec", saved.DurationSec),
		zap.Float64("price", saved.Price),
	)
	m.publish(Event{Kind: EventStatusChanged, WalkID: walkID, Status: next, DistanceM: saved.DistanceM, At: now})
	return saved.Clone(), nil
}

func (m *Manager) Cancel(ctx context.Context, walkID, reason string) (Record, error) {
	m.mu.Lock()
	rec, inSlot, err := m.lookupLocked(ctx, walkID)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	next, err := Next(rec.Status, OpCancel)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}

	var snap tracking.Snapshot
	if inSlot {
		snap = m.tracker.Stop()
		rec.DistanceM = geo.RoundTo(snap.DistanceM, 2)
	}

	now := m.now()
	rec.Status = next
	rec.CancelReason = reason
	if rec.ActualStart != nil {
		rec.ActualEnd = &now
		rec.DurationSec = int64(now.Sub(*rec.ActualStart).Seconds())
	}
	rec.UpdatedAt = now

	saved, err := m.store.Save(ctx, rec)
	if err != nil {
		if inSlot {
			m.tracker.Resume(walkID, snap.DistanceM, snap.Last)
		}
		m.mu.Unlock()
		return Record{}, err
	}
	if inSlot {
		m.active = nil
	}
	m.mu.Unlock()

	m.log.Info("walk cancelled", zap.String("walk_id", walkID), zap.String("reason", reason))
	m.publish(Event{Kind: EventStatusChanged, WalkID: walkID, Status: next, DistanceM: saved.DistanceM, At: now})
	return saved.Clone(), nil
}

// Get prefers the in-memory active walk, which may hold unflushed samples.
func (m *Manager) Get(ctx context.Context, walkID string) (Record, error) {
	m.mu.Lock()
	if m.active != nil && m.active.ID == walkID {
		rec := m.active.Clone()
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()
	return m.store.Get(ctx, walkID)
}

func (m *Manager) List(ctx context.Context) ([]Record, error) {
	return m.store.List(ctx)
}

func (m *Manager) Active() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Record{}, false
	}
	return m.active.Clone(), true
}

// Distance is the tracked distance of the active walk in meters.
func (m *Manager) Distance() float64 {
	if _, ok := m.Active(); !ok {
		return 0
	}
	return m.tracker.CurrentDistance()
}

// Duration is the time elapsed since the active walk started.
func (m *Manager) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.ActualStart == nil {
		return 0
	}
	return m.now().Sub(*m.active.ActualStart)
}

// Restore re-seats a locally persisted in-progress walk after a restart and
// resumes tracking from its stored distance and last route point.
func (m *Manager) Restore(ctx context.Context) (Record, bool, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return Record{}, false, err
	}
	var found *Record
	for i := range records {
		r := records[i]
		if r.Status != StatusInProgress || r.ActualStart == nil {
			continue
		}
		if found == nil || r.ActualStart.After(*found.ActualStart) {
			found = &r
		}
	}
	if found == nil {
		return Record{}, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return Record{}, false, fmt.Errorf("%w: walk %s is in progress", apperr.ErrSessionAlreadyActive, m.active.ID)
	}
	var last *tracking.Position
	if p, ok := found.LastPosition(); ok {
		last = &p
	}
	m.tracker.Resume(found.ID, found.DistanceM, last)
	m.seatLocked(*found, m.now())
	m.log.Info("walk restored", zap.String("walk_id", found.ID), zap.Float64("distance_m", found.DistanceM))
	return found.Clone(), true, nil
}

func (m *Manager) seatLocked(rec Record, now time.Time) {
	r := rec.Clone()
	m.active = &r
	m.unflushed = 0
	m.lastFlush = now
	m.inside = true
	if p, ok := r.LastPosition(); ok && r.Geofence != nil {
		m.inside = r.Geofence.Contains(p.Lat, p.Lng)
	}
}

func (m *Manager) lookupLocked(ctx context.Context, walkID string) (Record, bool, error) {
	if m.active != nil && m.active.ID == walkID {
		return m.active.Clone(), true, nil
	}
	rec, err := m.store.Get(ctx, walkID)
	if err != nil {
		return Record{}, false, err
	}
	return rec.Clone(), false, nil
}

// onOutcome adopts a remote copy of the active walk that won last-writer-wins.
// Samples tracked locally since the overwritten revision are lost.
func (m *Manager) onOutcome(o syncengine.Outcome[Record]) {
	if o.Kind != syncengine.OutcomeConflict && o.Kind != syncengine.OutcomeRefreshed {
		return
	}

	m.mu.Lock()
	if m.active == nil || m.active.ID != o.ID || o.Record.UpdatedAt.Before(m.active.UpdatedAt) {
		m.mu.Unlock()
		return
	}
	remote := o.Record.Clone()
	if remote.Status != StatusInProgress {
		m.tracker.Stop()
		m.active = nil
	} else {
		var last *tracking.Position
		if p, ok := remote.LastPosition(); ok {
			last = &p
		}
		m.tracker.Resume(remote.ID, remote.DistanceM, last)
		m.seatLocked(remote, m.now())
	}
	m.mu.Unlock()

	m.log.Warn("active walk replaced by remote copy",
		zap.String("walk_id", o.ID),
		zap.String("status", string(remote.Status)),
		zap.String("outcome", string(o.Kind)),
	)
	if o.Kind == syncengine.OutcomeConflict {
		m.publish(Event{Kind: EventConflict, WalkID: o.ID, Status: remote.Status, DistanceM: remote.DistanceM, At: m.now()})
	}
	m.publish(Event{Kind: EventStatusChanged, WalkID: o.ID, Status: remote.Status, DistanceM: remote.DistanceM, At: m.now()})
}

func (m *Manager) publish(ev Event) {
	m.events.Publish(ev)
}
