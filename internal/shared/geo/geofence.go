package geo

import (
	"errors"
	"fmt"
	"math"
)

const (
	MinGeofenceRadiusM     = 100.0
	MaxGeofenceRadiusM     = 5000.0
	DefaultGeofenceRadiusM = 500.0
)

var ErrInvalidGeofence = errors.New("invalid geofence")

// Geofence is a circular walking zone around a center point.
type Geofence struct {
	CenterLat float64 `json:"center_lat"`
	CenterLng float64 `json:"center_lng"`
	RadiusM   float64 `json:"radius_m"`
}

func (g Geofence) Validate() error {
	if err := ValidateCoordinate(g.CenterLat, g.CenterLng); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGeofence, err)
	}
	if math.IsNaN(g.RadiusM) || g.RadiusM < MinGeofenceRadiusM || g.RadiusM > MaxGeofenceRadiusM {
		return fmt.Errorf("%w: radius %.1f outside [%.0f, %.0f]", ErrInvalidGeofence, g.RadiusM, MinGeofenceRadiusM, MaxGeofenceRadiusM)
	}
	return nil
}

// Contains reports whether the point lies on or inside the boundary.
func (g Geofence) Contains(lat, lng float64) bool {
	return HaversineM(g.CenterLat, g.CenterLng, lat, lng) <= g.RadiusM
}
