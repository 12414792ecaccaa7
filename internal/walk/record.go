package walk

import (
	"time"

	"backend-pawwalk/internal/shared/geo"
	"backend-pawwalk/internal/tracking"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Record is one walk booking together with its tracked route.
type Record struct {
	ID             string              `json:"id"`
	OwnerID        string              `json:"owner_id"`
	WalkerID       string              `json:"walker_id"`
	DogID          string              `json:"dog_id"`
	ScheduledStart time.Time           `json:"scheduled_start"`
	ActualStart    *time.Time          `json:"actual_start,omitempty"`
	ActualEnd      *time.Time          `json:"actual_end,omitempty"`
	Status         Status              `json:"status"`
	Route          []tracking.Position `json:"route"`
	DistanceM      float64             `json:"distance_m"`
	DurationSec    int64               `json:"duration_sec"`
	Price          float64             `json:"price"`
	Currency       string              `json:"currency,omitempty"`
	CancelReason   string              `json:"cancel_reason,omitempty"`
	Geofence       *geo.Geofence       `json:"geofence,omitempty"`
	GeofenceExits  int                 `json:"geofence_exits"`
	IsSynced       bool                `json:"is_synced"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (r Record) RecordID() string           { return r.ID }
func (r Record) RecordUpdatedAt() time.Time { return r.UpdatedAt }

func (r Record) WithSynced(synced bool) Record {
	r.IsSynced = synced
	return r
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	out := r
	if r.Route != nil {
		out.Route = append([]tracking.Position(nil), r.Route...)
	}
	if r.ActualStart != nil {
		t := *r.ActualStart
		out.ActualStart = &t
	}
	if r.ActualEnd != nil {
		t := *r.ActualEnd
		out.ActualEnd = &t
	}
	if r.Geofence != nil {
		g := *r.Geofence
		out.Geofence = &g
	}
	return out
}

// LastPosition returns the most recent route point.
func (r Record) LastPosition() (tracking.Position, bool) {
	if len(r.Route) == 0 {
		return tracking.Position{}, false
	}
	return r.Route[len(r.Route)-1], true
}

// Summary reports route statistics as of now.
func (r Record) Summary(now time.Time) tracking.Summary {
	var start, end time.Time
	if r.ActualStart != nil {
		start = *r.ActualStart
	}
	if r.ActualEnd != nil {
		end = *r.ActualEnd
	}
	return tracking.Summarize(r.Route, r.DistanceM, start, end, now)
}
