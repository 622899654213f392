package cache

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Domain names one family of cached values. Each has its own key shape and default TTL.
type Domain string

const (
	DomainRequests        Domain = "requests"
	DomainStats           Domain = "stats"
	DomainWeekly          Domain = "weekly"
	DomainParkingRequests Domain = "parking_requests"
	DomainParkingStats    Domain = "parking_stats"
	DomainParkingWeekly   Domain = "parking_weekly"
)

type shape int

const (
	shapeList shape = iota
	shapeStats
	shapeWeekly
)

var domains = map[Domain]struct {
	shape shape
	ttl   time.Duration
}{
	DomainRequests:        {shapeList, 10 * time.Minute},
	DomainStats:           {shapeStats, 15 * time.Minute},
	DomainWeekly:          {shapeWeekly, 30 * time.Minute},
	DomainParkingRequests: {shapeList, 10 * time.Minute},
	DomainParkingStats:    {shapeStats, 15 * time.Minute},
	DomainParkingWeekly:   {shapeWeekly, 30 * time.Minute},
}

// AllDomains returns every domain in a stable order.
func AllDomains() []Domain {
	return []Domain{
		DomainRequests, DomainStats, DomainWeekly,
		DomainParkingRequests, DomainParkingStats, DomainParkingWeekly,
	}
}

// ParseDomain validates a domain name.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.TrimSpace(s))
	if !d.Valid() {
		return "", fmt.Errorf("unknown cache domain %q", s)
	}
	return d, nil
}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	_, ok := domains[d]
	return ok
}

// DefaultTTL is the domain's TTL when configuration does not override it.
func (d Domain) DefaultTTL() time.Duration {
	return domains[d].ttl
}

func (d Domain) shape() shape {
	return domains[d].shape
}

// Key is the composite identity of a cached value. Which fields participate depends
// on the domain: list domains use Year (nil for all years), Limit, Offset and the
// optional radius dimensions; stats domains use Year and CompareYear; weekly domains
// use the sorted Years.
type Key struct {
	Domain      Domain
	CityID      string
	Year        *int
	CompareYear *int
	Years       []int
	Limit       int
	Offset      int
	Radius      *float64
	CenterLat   *float64
	CenterLon   *float64
}

// RequestsKey builds a key for a list domain (requests or parking_requests).
func RequestsKey(d Domain, cityID string, year *int, limit, offset int, radius, centerLat, centerLon *float64) Key {
	return Key{
		Domain:    d,
		CityID:    cityID,
		Year:      year,
		Limit:     limit,
		Offset:    offset,
		Radius:    radius,
		CenterLat: centerLat,
		CenterLon: centerLon,
	}
}

// StatsKey builds a stats key. Parking stats carry no compare year.
func StatsKey(cityID string, year, compareYear int) Key {
	return Key{Domain: DomainStats, CityID: cityID, Year: &year, CompareYear: &compareYear}
}

// ParkingStatsKey builds a parking_stats key.
func ParkingStatsKey(cityID string, year int) Key {
	return Key{Domain: DomainParkingStats, CityID: cityID, Year: &year}
}

// WeeklyKey builds a weekly or parking_weekly key. Years are copied and sorted, so
// [2024,2023] and [2023,2024] share one entry.
func WeeklyKey(d Domain, cityID string, years []int) Key {
	sorted := slices.Clone(years)
	slices.Sort(sorted)
	return Key{Domain: d, CityID: cityID, Years: sorted}
}

// YearsKey joins the years with commas, in key order.
func (k Key) YearsKey() string {
	parts := make([]string, len(k.Years))
	for i, y := range k.Years {
		parts[i] = strconv.Itoa(y)
	}
	return strings.Join(parts, ",")
}

// String renders the canonical composite key, e.g.
// "requests:oakland:2024:100:0:none:none:none".
func (k Key) String() string {
	switch k.Domain.shape() {
	case shapeStats:
		if k.CompareYear == nil {
			return fmt.Sprintf("%s:%s:%s", k.Domain, k.CityID, optInt(k.Year, "none"))
		}
		return fmt.Sprintf("%s:%s:%s:%s", k.Domain, k.CityID, optInt(k.Year, "none"), optInt(k.CompareYear, "none"))
	case shapeWeekly:
		return fmt.Sprintf("%s:%s:%s", k.Domain, k.CityID, k.YearsKey())
	default:
		return fmt.Sprintf("%s:%s:%s:%d:%d:%s:%s:%s", k.Domain, k.CityID,
			optInt(k.Year, "all"), k.Limit, k.Offset,
			optFloat(k.Radius), optFloat(k.CenterLat), optFloat(k.CenterLon))
	}
}

func optInt(v *int, none string) string {
	if v == nil {
		return none
	}
	return strconv.Itoa(*v)
}

func optFloat(v *float64) string {
	if v == nil {
		return "none"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
