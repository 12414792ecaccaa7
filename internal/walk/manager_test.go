package walk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/observe"
	"backend-pawwalk/internal/shared/geo"
	"backend-pawwalk/internal/syncengine"
	"backend-pawwalk/internal/tracking"

	"github.com/stretchr/testify/require"
)

// metersPerDegreeLat on a 6,371 km sphere.
const metersPerDegreeLat = 6371000.0 * math.Pi / 180

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu       sync.Mutex
	recs     map[string]Record
	saves    int
	failSave error
	outcomes *observe.Subject[syncengine.Outcome[Record]]
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[string]Record{}, outcomes: observe.NewSubject[syncengine.Outcome[Record]]()}
}

func (s *fakeStore) Save(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return Record{}, s.failSave
	}
	rec = rec.WithSynced(false).Clone()
	s.recs[rec.ID] = rec
	s.saves++
	return rec, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, fmt.Errorf("walk %s: %w", id, apperr.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *fakeStore) List(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *fakeStore) SubscribeOutcomes(fn func(syncengine.Outcome[Record])) func() {
	return s.outcomes.Subscribe(fn)
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Monday 2026-03-16 10:00 UTC
var monday = time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, mutate func(*Options)) (*Manager, *fakeStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: monday}
	store := newFakeStore()
	opts := Options{
		FlushEvery:    1000,
		FlushInterval: time.Hour,
		Pricer:        DefaultPricer(35, "USD"),
		Clock:         clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := NewManager(store, tracking.NewTracker(), opts)
	t.Cleanup(m.Close)
	return m, store, clock
}

func schedule(t *testing.T, m *Manager, clock *fakeClock) Record {
	t.Helper()
	rec, err := m.Schedule(context.Background(), ScheduleRequest{
		OwnerID:        "owner-1",
		WalkerID:       "walker-1",
		DogID:          "dog-1",
		ScheduledStart: clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return rec
}

func northOf(start tracking.Position, meters float64, at time.Time) tracking.Position {
	return tracking.Position{Lat: start.Lat + meters/metersPerDegreeLat, Lng: start.Lng, Timestamp: at}
}

func TestScheduleValidation(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	ctx := context.Background()
	future := clock.Now().Add(time.Hour)

	cases := map[string]ScheduleRequest{
		"missing owner": {WalkerID: "w", DogID: "d", ScheduledStart: future},
		"blank walker":  {OwnerID: "o", WalkerID: "  ", DogID: "d", ScheduledStart: future},
		"missing dog":   {OwnerID: "o", WalkerID: "w", ScheduledStart: future},
		"in the past":   {OwnerID: "o", WalkerID: "w", DogID: "d", ScheduledStart: clock.Now().Add(-time.Second)},
		"zero start":    {OwnerID: "o", WalkerID: "w", DogID: "d"},
		"bad geofence":  {OwnerID: "o", WalkerID: "w", DogID: "d", ScheduledStart: future, Geofence: &geo.Geofence{RadiusM: 10}},
		"id not a uuid": {ID: "walk-1", OwnerID: "o", WalkerID: "w", DogID: "d", ScheduledStart: future},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Schedule(ctx, req)
			require.ErrorIs(t, err, apperr.ErrValidationFailed)
		})
	}
}

func TestScheduleAtNowIsAllowed(t *testing.T) {
	m, store, clock := newTestManager(t, nil)
	rec, err := m.Schedule(context.Background(), ScheduleRequest{
		OwnerID: "o", WalkerID: "w", DogID: "d", ScheduledStart: clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, rec.Status)
	require.False(t, rec.IsSynced)
	require.Equal(t, 1, store.saveCount())
}

func TestLifecycleLegality(t *testing.T) {
	ctx := context.Background()
	setups := map[Status]func(t *testing.T, m *Manager, id string){
		StatusScheduled: func(*testing.T, *Manager, string) {},
		StatusInProgress: func(t *testing.T, m *Manager, id string) {
			_, err := m.Start(ctx, id)
			require.NoError(t, err)
		},
		StatusCompleted: func(t *testing.T, m *Manager, id string) {
			_, err := m.Start(ctx, id)
			require.NoError(t, err)
			_, err = m.End(ctx, id)
			require.NoError(t, err)
		},
		StatusCancelled: func(t *testing.T, m *Manager, id string) {
			_, err := m.Cancel(ctx, id, "owner request")
			require.NoError(t, err)
		},
	}
	ops := map[Op]func(m *Manager, id string) error{
		OpStart: func(m *Manager, id string) error {
			_, err := m.Start(ctx, id)
			return err
		},
		OpEnd: func(m *Manager, id string) error {
			_, err := m.End(ctx, id)
			return err
		},
		OpCancel: func(m *Manager, id string) error {
			_, err := m.Cancel(ctx, id, "")
			return err
		},
	}

	for state, setup := range setups {
		for op, apply := range ops {
			for _, occupied := range []bool{false, true} {
				if occupied && state == StatusInProgress {
					continue
				}
				name := string(state) + "/" + string(op)
				if occupied {
					name += "/slot-taken"
				}
				t.Run(name, func(t *testing.T) {
					m, _, clock := newTestManager(t, nil)
					rec := schedule(t, m, clock)
					setup(t, m, rec.ID)
					if occupied {
						other := schedule(t, m, clock)
						_, err := m.Start(ctx, other.ID)
						require.NoError(t, err)
					}

					_, illegal := Next(state, op)
					err := apply(m, rec.ID)
					switch {
					case illegal == nil && occupied && op == OpStart:
						require.ErrorIs(t, err, apperr.ErrSessionAlreadyActive)
					case illegal == nil:
						require.NoError(t, err)
						return
					default:
						require.ErrorIs(t, err, apperr.ErrInvalidTransition)
						require.NotErrorIs(t, err, apperr.ErrSessionAlreadyActive)
					}
					got, gerr := m.Get(ctx, rec.ID)
					require.NoError(t, gerr)
					require.Equal(t, state, got.Status)
				})
			}
		}
	}
}

func TestStartCancelRaceResolvesDeterministically(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		m, _, clock := newTestManager(t, nil)
		rec := schedule(t, m, clock)

		var (
			wg        sync.WaitGroup
			startErr  error
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, startErr = m.Start(ctx, rec.ID)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = m.Cancel(ctx, rec.ID, "race")
		}()
		wg.Wait()

		// Cancel is legal from both scheduled and in progress, so it always
		// lands. Start only lands when it acquired the walk first.
		require.NoError(t, cancelErr)
		got, err := m.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, got.Status)
		if startErr != nil {
			require.ErrorIs(t, startErr, apperr.ErrInvalidTransition)
			require.Nil(t, got.ActualStart)
		} else {
			require.NotNil(t, got.ActualStart)
		}
		_, active := m.Active()
		require.False(t, active)
	}
}

func TestSecondWalkRejectedWhileActive(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	ctx := context.Background()
	first := schedule(t, m, clock)
	second := schedule(t, m, clock)

	_, err := m.Start(ctx, first.ID)
	require.NoError(t, err)
	_, err = m.Start(ctx, second.ID)
	require.ErrorIs(t, err, apperr.ErrSessionAlreadyActive)

	got, err := m.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, got.Status)
}

func TestIngestRequiresActiveWalk(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	rec := schedule(t, m, clock)
	_, err := m.IngestLocation(context.Background(), rec.ID, tracking.Position{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestIngestRejectsInvalidAndForeignSamples(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)

	_, err = m.IngestLocation(ctx, rec.ID, tracking.Position{Lat: 91, Lng: 0})
	require.ErrorIs(t, err, apperr.ErrInvalidPosition)
	_, err = m.IngestLocation(ctx, "other-walk", tracking.Position{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, tracking.ErrSessionMismatch)

	got, _ := m.Active()
	require.Empty(t, got.Route)
}

func TestIngestBatchesPersistence(t *testing.T) {
	m, store, clock := newTestManager(t, func(o *Options) { o.FlushEvery = 3 })
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)
	base := store.saveCount()

	origin := tracking.Position{Lat: 0, Lng: 0}
	for i := 0; i < 7; i++ {
		clock.Advance(time.Second)
		_, err := m.IngestLocation(ctx, rec.ID, northOf(origin, float64(i), clock.Now()))
		require.NoError(t, err)
	}
	require.Equal(t, base+2, store.saveCount())

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, stored.Route, 6)

	active, ok := m.Active()
	require.True(t, ok)
	require.Len(t, active.Route, 7)

	require.NoError(t, m.Flush(ctx))
	stored, _ = store.Get(ctx, rec.ID)
	require.Len(t, stored.Route, 7)
}

func TestIngestFlushesOnInterval(t *testing.T) {
	m, store, clock := newTestManager(t, func(o *Options) { o.FlushInterval = 15 * time.Second })
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)
	base := store.saveCount()

	_, err = m.IngestLocation(ctx, rec.ID, tracking.Position{Lat: 0, Lng: 0, Timestamp: clock.Now()})
	require.NoError(t, err)
	require.Equal(t, base, store.saveCount())

	clock.Advance(16 * time.Second)
	_, err = m.IngestLocation(ctx, rec.ID, tracking.Position{Lat: 0.0001, Lng: 0, Timestamp: clock.Now()})
	require.NoError(t, err)
	require.Equal(t, base+1, store.saveCount())
}

func TestGeofenceExitIsCountedOnce(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	ctx := context.Background()
	rec, err := m.Schedule(ctx, ScheduleRequest{
		OwnerID: "o", WalkerID: "w", DogID: "d",
		ScheduledStart: clock.Now(),
		Geofence:       &geo.Geofence{CenterLat: 0, CenterLng: 0, RadiusM: 100},
	})
	require.NoError(t, err)
	_, err = m.Start(ctx, rec.ID)
	require.NoError(t, err)

	var exits int
	unsubscribe := m.Subscribe(func(ev Event) {
		if ev.Kind == EventGeofenceExit {
			exits++
		}
	})
	defer unsubscribe()

	origin := tracking.Position{}
	for i, meters := range []float64{0, 50, 150, 200, 50, 160} {
		_, err := m.IngestLocation(ctx, rec.ID, northOf(origin, meters, clock.Now().Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	require.Equal(t, 2, exits)
	active, _ := m.Active()
	require.Equal(t, 2, active.GeofenceExits)
}

type recordingLive struct {
	mu    sync.Mutex
	count int
	err   error
}

func (l *recordingLive) PublishLocation(context.Context, string, tracking.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	return l.err
}

func TestLivePublishFailureDoesNotFailIngest(t *testing.T) {
	live := &recordingLive{err: errors.New("broker down")}
	m, _, clock := newTestManager(t, func(o *Options) { o.Live = live })
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)

	sample, err := m.IngestLocation(ctx, rec.ID, tracking.Position{Lat: 1, Lng: 1, Timestamp: clock.Now()})
	require.NoError(t, err)
	require.True(t, sample.Accepted)
	require.Equal(t, 1, live.count)
}

func TestEndComputesDurationAndPrice(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	require.Equal(t, 45*time.Minute, m.Duration())

	done, err := m.End(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.EqualValues(t, 45*60, done.DurationSec)
	require.InDelta(t, 26.25, done.Price, 1e-9)
	require.Equal(t, "USD", done.Currency)
	require.NotNil(t, done.ActualEnd)
	require.False(t, done.IsSynced)

	_, ok := m.Active()
	require.False(t, ok)
	require.Zero(t, m.Distance())
	require.Zero(t, m.Duration())
}

func TestEndSaveFailureKeepsWalkActive(t *testing.T) {
	m, store, clock := newTestManager(t, nil)
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)
	_, err = m.IngestLocation(ctx, rec.ID, tracking.Position{Lat: 0, Lng: 0, Timestamp: clock.Now()})
	require.NoError(t, err)

	store.mu.Lock()
	store.failSave = errors.New("disk full")
	store.mu.Unlock()

	_, err = m.End(ctx, rec.ID)
	require.Error(t, err)
	active, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, StatusInProgress, active.Status)

	store.mu.Lock()
	store.failSave = nil
	store.mu.Unlock()
	_, err = m.IngestLocation(ctx, rec.ID, tracking.Position{Lat: 0.001, Lng: 0, Timestamp: clock.Now().Add(time.Minute)})
	require.NoError(t, err)
}

func TestCancelStopsTracking(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, rec.ID, "dog unwell")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "dog unwell", cancelled.CancelReason)

	_, err = m.IngestLocation(ctx, rec.ID, tracking.Position{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestStatusEventsArePublished(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	ctx := context.Background()

	var statuses []Status
	unsubscribe := m.Subscribe(func(ev Event) {
		if ev.Kind == EventStatusChanged {
			statuses = append(statuses, ev.Status)
		}
	})
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)
	_, err = m.End(ctx, rec.ID)
	require.NoError(t, err)
	unsubscribe()

	require.Equal(t, []Status{StatusScheduled, StatusInProgress, StatusCompleted}, statuses)
}

func TestRestoreResumesActiveWalk(t *testing.T) {
	m, store, clock := newTestManager(t, nil)
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)
	origin := tracking.Position{}
	_, err = m.IngestLocation(ctx, rec.ID, northOf(origin, 0, clock.Now()))
	require.NoError(t, err)
	_, err = m.IngestLocation(ctx, rec.ID, northOf(origin, 100, clock.Now().Add(time.Minute)))
	require.NoError(t, err)
	require.NoError(t, m.Flush(ctx))

	restarted := NewManager(store, tracking.NewTracker(), Options{Clock: clock.Now})
	defer restarted.Close()
	restored, ok, err := restarted.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.ID, restored.ID)

	_, err = restarted.IngestLocation(ctx, rec.ID, northOf(origin, 200, clock.Now().Add(2*time.Minute)))
	require.NoError(t, err)
	require.InDelta(t, 200, restarted.Distance(), 0.5)
}

func TestRestoreWithNothingInProgress(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	schedule(t, m, clock)
	_, ok, err := m.Restore(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConflictOutcomeAdoptsRemoteCopy(t *testing.T) {
	m, store, clock := newTestManager(t, nil)
	ctx := context.Background()
	rec := schedule(t, m, clock)
	started, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)

	var conflicts int
	unsubscribe := m.Subscribe(func(ev Event) {
		if ev.Kind == EventConflict {
			conflicts++
		}
	})
	defer unsubscribe()

	remote := started.Clone()
	remote.Status = StatusCancelled
	remote.CancelReason = "cancelled by owner"
	remote.UpdatedAt = started.UpdatedAt.Add(time.Minute)
	local := started.Clone()
	store.outcomes.Publish(syncengine.Outcome[Record]{
		Kind: syncengine.OutcomeConflict, ID: rec.ID, Record: remote, Discarded: &local,
	})

	_, ok := m.Active()
	require.False(t, ok)
	require.Equal(t, 1, conflicts)
	_, err = m.IngestLocation(ctx, rec.ID, tracking.Position{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestOutcomeForOtherWalkIgnored(t *testing.T) {
	m, store, clock := newTestManager(t, nil)
	ctx := context.Background()
	rec := schedule(t, m, clock)
	_, err := m.Start(ctx, rec.ID)
	require.NoError(t, err)

	store.outcomes.Publish(syncengine.Outcome[Record]{
		Kind: syncengine.OutcomeConflict, ID: "another", Record: Record{ID: "another", Status: StatusCancelled},
	})
	active, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, rec.ID, active.ID)
}
