package tracking

import "time"

type Summary struct {
	PointCount      int     `json:"point_count"`
	DistanceM       float64 `json:"distance_m"`
	DurationSec     int64   `json:"duration_sec"`
	AverageSpeedMps float64 `json:"average_speed_mps"`
	MaxSpeedMps     float64 `json:"max_speed_mps"`
}

// Summarize derives walk statistics. A zero end means the walk is still
// running and now is used instead.
func Summarize(route []Position, distanceM float64, start, end, now time.Time) Summary {
	s := Summary{PointCount: len(route), DistanceM: distanceM}
	if start.IsZero() {
		return s
	}

	duration := now.Sub(start)
	if !end.IsZero() {
		duration = end.Sub(start)
	}
	if duration < 0 {
		duration = 0
	}
	s.DurationSec = int64(duration.Seconds())
	if duration.Seconds() > 0 {
		s.AverageSpeedMps = distanceM / duration.Seconds()
	}

	for i := 1; i < len(route); i++ {
		elapsed := route[i].Timestamp.Sub(route[i-1].Timestamp).Seconds()
		if elapsed <= 0 {
			continue
		}
		if v := route[i-1].DistanceTo(route[i]) / elapsed; v > s.MaxSpeedMps {
			s.MaxSpeedMps = v
		}
	}
	return s
}
