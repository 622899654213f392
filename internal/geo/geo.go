// Package geo holds the coordinate and calendar helpers shared by the normalizers,
// the upstream fetcher and the aggregation engine. Everything here is pure.
package geo

import (
	"math"
	"time"
)

// EarthRadiusMeters is the sphere radius used by spherical Web Mercator (EPSG:3857).
const EarthRadiusMeters = 6378137.0

// earthRadiusKm is the mean Earth radius used for great-circle distances.
const earthRadiusKm = 6371.0

// minWebMercatorX is the lowest easting accepted as a plausible Western-hemisphere value.
const minWebMercatorX = -18000000.0

// LatLon is a WGS84 position in degrees.
type LatLon struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// WebMercatorToWGS84 inverts the spherical Web Mercator projection.
// x is easting and y is northing, both in meters.
func WebMercatorToWGS84(x, y float64) (lat, lon float64) {
	lon = x / EarthRadiusMeters * 180 / math.Pi
	lat = (2*math.Atan(math.Exp(y/EarthRadiusMeters)) - math.Pi/2) * 180 / math.Pi
	return lat, lon
}

// IsWGS84 reports whether x (longitude) and y (latitude) already look like degrees.
func IsWGS84(x, y float64) bool {
	return x >= -180 && x <= 180 && y >= -90 && y <= 90
}

// IsValidWebMercator reports whether x is a plausible Western-hemisphere easting.
// Corrupted upstream values (positive eastings such as 1356837) fail this check.
func IsValidWebMercator(x float64) bool {
	return x < 0 && x >= minWebMercatorX
}

// FilterInvalidCoordinates returns false for the (0,0) "no location" sentinel and for
// pairs that are neither WGS84 degrees nor a plausible Mercator easting.
func FilterInvalidCoordinates(x, y float64) bool {
	if x == 0 && y == 0 {
		return false
	}
	if !IsWGS84(x, y) && !IsValidWebMercator(x) {
		return false
	}
	return true
}

// ValidLatLon reports whether lat/lon are inside the WGS84 ranges.
func ValidLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// DistBetweenLatLon returns the haversine great-circle distance in kilometers.
func DistBetweenLatLon(a, b LatLon) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// BoundingBox is an inclusive lat/lon rectangle.
type BoundingBox struct {
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLon float64 `yaml:"min_lon"`
	MaxLon float64 `yaml:"max_lon"`
}

// Contains reports whether lat/lon fall inside the box.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// WeekNumber returns the ISO-8601 week (1..53) of t's calendar date. The date is
// rebased to UTC midnight, shifted to the Thursday of its week, and counted from
// January 1st of that Thursday's year.
func WeekNumber(t time.Time) int {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	weekday := int(d.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	d = d.AddDate(0, 0, 4-weekday)
	yearStart := time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	days := int(d.Sub(yearStart).Hours() / 24)
	return days/7 + 1
}

// WeeksInYear returns 52 or 53. December 28th always sits in the last ISO week of
// its year, whereas December 31st can already belong to week 1 of the next year.
func WeeksInYear(year int) int {
	return WeekNumber(time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC))
}
