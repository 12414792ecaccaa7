package tracking

import "time"

// FilterPolicy decides whether a sample is accepted. prev is the last
// accepted position, delta the distance to next in meters and elapsed the
// time between their capture timestamps.
type FilterPolicy func(prev, next Position, delta float64, elapsed time.Duration) bool

// MaxSpeedFilter drops samples implying a speed above maxMps. Samples with
// no positive elapsed time are accepted.
func MaxSpeedFilter(maxMps float64) FilterPolicy {
	return func(_, _ Position, delta float64, elapsed time.Duration) bool {
		if elapsed <= 0 {
			return true
		}
		return delta/elapsed.Seconds() <= maxMps
	}
}

// MinAccuracyFilter drops samples whose horizontal accuracy radius is worse
// than maxRadiusM. Zero accuracy means unknown and is accepted.
func MinAccuracyFilter(maxRadiusM float64) FilterPolicy {
	return func(_, next Position, _ float64, _ time.Duration) bool {
		return next.Accuracy <= maxRadiusM
	}
}

func AllOf(policies ...FilterPolicy) FilterPolicy {
	return func(prev, next Position, delta float64, elapsed time.Duration) bool {
		for _, p := range policies {
			if p != nil && !p(prev, next, delta, elapsed) {
				return false
			}
		}
		return true
	}
}

// KmhToMps converts km/h to m/s.
func KmhToMps(kmh float64) float64 {
	return kmh * 1000 / 3600
}
