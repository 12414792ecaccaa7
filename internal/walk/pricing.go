package walk

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/shared/geo"
)

// HourRange is a half-open [Start, End) range of hours of the day.
type HourRange struct {
	Start int
	End   int
}

// Pricer computes the final price of a walk from its actual duration.
type Pricer struct {
	HourlyRate        float64
	Currency          string
	MinimumBilled     time.Duration
	WeekendMultiplier float64
	PeakMultiplier    float64
	PeakHours         []HourRange
	HolidayMultiplier float64
	// Holidays holds dates formatted as 2006-01-02 in Location.
	Holidays map[string]bool
	Location *time.Location
}

func DefaultPricer(hourlyRate float64, currency string) Pricer {
	return Pricer{
		HourlyRate:        hourlyRate,
		Currency:          currency,
		MinimumBilled:     30 * time.Minute,
		WeekendMultiplier: 1.20,
		PeakMultiplier:    1.25,
		HolidayMultiplier: 1.50,
		Location:          time.UTC,
	}
}

// Quote prices a walk that ran from start to end. Multipliers are chosen by
// the start time; walks shorter than MinimumBilled are billed the minimum.
func (p Pricer) Quote(start, end time.Time) (float64, error) {
	if start.IsZero() || end.Before(start) {
		return 0, fmt.Errorf("%w: walk ends before it starts", apperr.ErrValidationFailed)
	}
	billed := end.Sub(start)
	if billed < p.MinimumBilled {
		billed = p.MinimumBilled
	}
	hours := math.Round(billed.Hours()*10000) / 10000
	price := p.HourlyRate * hours

	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := start.In(loc)
	if p.PeakMultiplier > 0 && p.isPeak(local.Hour()) {
		price *= p.PeakMultiplier
	}
	if wd := local.Weekday(); p.WeekendMultiplier > 0 && (wd == time.Saturday || wd == time.Sunday) {
		price *= p.WeekendMultiplier
	}
	if p.HolidayMultiplier > 0 && p.Holidays[local.Format(time.DateOnly)] {
		price *= p.HolidayMultiplier
	}
	return geo.RoundTo(price, 2), nil
}

func (p Pricer) isPeak(hour int) bool {
	for _, r := range p.PeakHours {
		if hour >= r.Start && hour < r.End {
			return true
		}
	}
	return false
}

// ParsePeakHours reads ranges written as "17-19", meaning 17:00 up to 19:00.
func ParsePeakHours(ranges []string) ([]HourRange, error) {
	var out []HourRange
	for _, raw := range ranges {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		from, to, ok := strings.Cut(raw, "-")
		if !ok {
			return nil, fmt.Errorf("%w: peak range %q is not start-end", apperr.ErrValidationFailed, raw)
		}
		start, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("%w: peak range %q: %v", apperr.ErrValidationFailed, raw, err)
		}
		end, err := strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return nil, fmt.Errorf("%w: peak range %q: %v", apperr.ErrValidationFailed, raw, err)
		}
		if start < 0 || end > 24 || start >= end {
			return nil, fmt.Errorf("%w: peak range %q out of order", apperr.ErrValidationFailed, raw)
		}
		out = append(out, HourRange{Start: start, End: end})
	}
	return out, nil
}

// ParseHolidays reads dates formatted as 2006-01-02.
func ParseHolidays(dates []string) (map[string]bool, error) {
	out := make(map[string]bool, len(dates))
	for _, raw := range dates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: holiday %q: %v", apperr.ErrValidationFailed, raw, err)
		}
		out[d.Format(time.DateOnly)] = true
	}
	return out, nil
}
