// Package validation parses and bounds the query parameters of the route layer.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parameter bounds.
const (
	MinYear      = 2000
	MaxLimit     = 50000
	DefaultLimit = 1000
	MaxRadiusKm  = 100
	MaxYears     = 10
)

// ErrInvalidParameter is wrapped by every error of this package.
var ErrInvalidParameter = errors.New("invalid parameter")

func invalid(name, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidParameter, name, fmt.Sprintf(format, args...))
}

// ParseYear parses a year in MinYear..now.Year()+1. Empty input returns def.
func ParseYear(raw string, def int, now time.Time) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	y, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid("year", "%q is not a number", raw)
	}
	if y < MinYear || y > now.Year()+1 {
		return 0, invalid("year", "must be between %d and %d", MinYear, now.Year()+1)
	}
	return y, nil
}

// ParseLimit parses a page size in 1..MaxLimit. Empty input returns DefaultLimit.
func ParseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxLimit {
		return 0, invalid("limit", "must be between 1 and %d", MaxLimit)
	}
	return n, nil
}

// ParseOffset parses a non-negative offset. Empty input returns 0.
func ParseOffset(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalid("offset", "must be a non-negative integer")
	}
	return n, nil
}

// Radius is a parsed radius filter.
type Radius struct {
	Km  float64
	Lat float64
	Lon float64
}

// ParseRadius returns nil when all three inputs are empty. A radius needs both
// center coordinates and must lie in (0, MaxRadiusKm].
func ParseRadius(radius, lat, lon string) (*Radius, error) {
	radius, lat, lon = strings.TrimSpace(radius), strings.TrimSpace(lat), strings.TrimSpace(lon)
	if radius == "" && lat == "" && lon == "" {
		return nil, nil
	}
	if radius == "" || lat == "" || lon == "" {
		return nil, invalid("radius", "radius, lat and lon must be given together")
	}
	km, err := strconv.ParseFloat(radius, 64)
	if err != nil || km <= 0 || km > MaxRadiusKm {
		return nil, invalid("radius", "must be greater than 0 and at most %d km", MaxRadiusKm)
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil || la < -90 || la > 90 {
		return nil, invalid("lat", "must be a latitude in degrees")
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil || lo < -180 || lo > 180 {
		return nil, invalid("lon", "must be a longitude in degrees")
	}
	return &Radius{Km: km, Lat: la, Lon: lo}, nil
}

// ParseYears parses a comma-separated list of at most MaxYears unique years.
// Empty input returns def.
func ParseYears(raw string, def []int, now time.Time) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) > MaxYears {
		return nil, invalid("years", "at most %d years", MaxYears)
	}
	seen := make(map[int]bool, len(parts))
	years := make([]int, 0, len(parts))
	for _, p := range parts {
		y, err := ParseYear(p, 0, now)
		if err != nil {
			return nil, err
		}
		if y == 0 {
			return nil, invalid("years", "empty entry")
		}
		if seen[y] {
			return nil, invalid("years", "%d listed twice", y)
		}
		seen[y] = true
		years = append(years, y)
	}
	return years, nil
}
