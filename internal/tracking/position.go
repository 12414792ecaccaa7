package tracking

import (
	"fmt"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/shared/geo"
)

// Position is a single GPS sample as delivered by the location provider.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Accuracy  float64   `json:"accuracy_m"`
	Speed     float64   `json:"speed_mps"`
	Course    float64   `json:"course_deg"`
	Timestamp time.Time `json:"timestamp"`
}

func (p Position) Validate() error {
	if err := geo.ValidateCoordinate(p.Lat, p.Lng); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidPosition, err)
	}
	return nil
}

// DistanceTo returns the haversine distance in meters.
func (p Position) DistanceTo(o Position) float64 {
	return geo.HaversineM(p.Lat, p.Lng, o.Lat, o.Lng)
}
