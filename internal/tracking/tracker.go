package tracking

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/shared/geo"

	"go.uber.org/zap"
)

var (
	ErrNotTracking     = fmt.Errorf("%w: tracker is not accepting samples", apperr.ErrInvalidTransition)
	ErrSessionMismatch = fmt.Errorf("%w: sample does not belong to the active session", apperr.ErrInvalidTransition)
)

// Snapshot is an immutable view of the tracker state.
type Snapshot struct {
	SessionID string
	Active    bool
	DistanceM float64
	Last      *Position
	Samples   int
}

// Sample is the result of a single Ingest call.
type Sample struct {
	DeltaM   float64
	Accepted bool
	Outlier  bool
}

type Option func(*Tracker)

// WithFilter installs a policy that may drop samples.
func WithFilter(policy FilterPolicy) Option {
	return func(t *Tracker) { t.filter = policy }
}

// WithOutlierSpeed sets the speed above which accepted samples are flagged.
func WithOutlierSpeed(maxMps float64) Option {
	return func(t *Tracker) { t.outlierMps = maxMps }
}

func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// Tracker accumulates distance for one session at a time. Writers serialize
// on mu; readers load the last published snapshot and never block.
type Tracker struct {
	mu         sync.Mutex
	sessionID  string
	active     bool
	last       *Position
	totalM     float64
	samples    int
	filter     FilterPolicy
	outlierMps float64
	log        *zap.Logger

	snap atomic.Pointer[Snapshot]
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		outlierMps: KmhToMps(35),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.snap.Store(&Snapshot{})
	return t
}

// Start begins a fresh session with zero distance and no last position.
func (t *Tracker) Start(sessionID string) {
	t.Resume(sessionID, 0, nil)
}

// Resume begins accepting samples for sessionID from previously persisted
// totals, e.g. after a process restart mid-walk.
func (t *Tracker) Resume(sessionID string, distanceM float64, last *Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionID = sessionID
	t.active = true
	t.totalM = distanceM
	t.samples = 0
	t.last = nil
	if last != nil {
		p := *last
		t.last = &p
	}
	t.publishLocked()
	t.log.Debug("tracker started", zap.String("session_id", sessionID), zap.Float64("distance_m", distanceM))
}

// Ingest validates p, adds the haversine delta from the previous accepted
// sample and returns it. The first sample after Start only seeds the last
// position.
func (t *Tracker) Ingest(sessionID string, p Position) (Sample, error) {
	if err := p.Validate(); err != nil {
		return Sample{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		t.log.Debug("sample rejected: tracker stopped", zap.String("session_id", sessionID))
		return Sample{}, ErrNotTracking
	}
	if sessionID != t.sessionID {
		t.log.Warn("sample rejected: session mismatch",
			zap.String("session_id", sessionID),
			zap.String("active_session_id", t.sessionID),
		)
		return Sample{}, ErrSessionMismatch
	}

	var (
		prev    Position
		delta   float64
		elapsed time.Duration
	)
	if t.last != nil {
		prev = *t.last
		delta = prev.DistanceTo(p)
		elapsed = p.Timestamp.Sub(prev.Timestamp)
	}
	// The first sample sees a zero prev and elapsed, so only per-sample
	// policies such as accuracy can reject it.
	if t.filter != nil && !t.filter(prev, p, delta, elapsed) {
		t.log.Debug("sample dropped by filter", zap.String("session_id", sessionID), zap.Float64("delta_m", delta))
		return Sample{DeltaM: 0, Accepted: false}, nil
	}

	var sample Sample
	if t.last != nil {
		if t.outlierMps > 0 && elapsed > 0 && delta/elapsed.Seconds() > t.outlierMps {
			sample.Outlier = true
			t.log.Info("velocity outlier accepted",
				zap.String("session_id", sessionID),
				zap.Float64("delta_m", delta),
				zap.Duration("elapsed", elapsed),
			)
		}
		sample.DeltaM = delta
		t.totalM += delta
	}
	sample.Accepted = true

	np := p
	t.last = &np
	t.samples++
	t.publishLocked()
	return sample, nil
}

// Stop freezes the state. Ingest is rejected until the next Start.
func (t *Tracker) Stop() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.publishLocked()
	return *t.snap.Load()
}

// CurrentDistance returns the running total in meters rounded to 2 places.
func (t *Tracker) CurrentDistance() float64 {
	return geo.RoundTo(t.snap.Load().DistanceM, 2)
}

func (t *Tracker) LastPosition() (Position, bool) {
	s := t.snap.Load()
	if s.Last == nil {
		return Position{}, false
	}
	return *s.Last, true
}

func (t *Tracker) Snapshot() Snapshot {
	return *t.snap.Load()
}

func (t *Tracker) publishLocked() {
	s := &Snapshot{
		SessionID: t.sessionID,
		Active:    t.active,
		DistanceM: t.totalM,
		Samples:   t.samples,
	}
	if t.last != nil {
		p := *t.last
		s.Last = &p
	}
	t.snap.Store(s)
}
