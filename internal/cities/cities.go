// Package cities holds the static descriptors of the open-data datasets served by
// the service. The tables are immutable once a Registry is built.
package cities

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kjstillabower/civic-signals-service/internal/geo"
)

// ErrUnknownCity is returned when a city id is not configured for the requested domain.
var ErrUnknownCity = errors.New("unknown city")

// City identifiers.
const (
	Oakland      = "oakland"
	SanFrancisco = "sanfrancisco"
	LosAngeles   = "losangeles"
)

// CityConfig describes one SODA dataset of illegal-dumping service requests.
type CityConfig struct {
	ID        string
	Name      string
	Domain    string
	DatasetID string
	// DateField is used for year predicates and ordering.
	DateField string
	// Filter is the fixed category predicate, e.g. "reqcategory='ILLDUMP'". May be empty.
	Filter string
	Center geo.LatLon
	// RequiresCoordinateConversion marks sources emitting Web Mercator meters.
	RequiresCoordinateConversion bool
	// Bounds, when set, rejects rows outside a known-good box.
	Bounds *geo.BoundingBox
}

// ResourceURL returns the SODA JSON endpoint of the dataset.
func (c CityConfig) ResourceURL() string {
	return fmt.Sprintf("https://%s/resource/%s.json", c.Domain, c.DatasetID)
}

// ParkingCityConfig describes one SODA dataset of parking citations.
type ParkingCityConfig struct {
	CityConfig
}

// Registry resolves city ids to dataset descriptors.
type Registry struct {
	dumping map[string]CityConfig
	parking map[string]ParkingCityConfig
}

// NewRegistry builds the registry from the built-in tables. bounds overrides the
// sanity box of the named cities in both domains; a zero box removes it.
func NewRegistry(bounds map[string]geo.BoundingBox) *Registry {
	r := &Registry{
		dumping: make(map[string]CityConfig),
		parking: make(map[string]ParkingCityConfig),
	}
	for _, c := range dumpingCities() {
		c.Bounds = overrideBounds(c.ID, c.Bounds, bounds)
		r.dumping[c.ID] = c
	}
	for _, c := range parkingCities() {
		c.Bounds = overrideBounds(c.ID, c.Bounds, bounds)
		r.parking[c.ID] = c
	}
	return r
}

// DefaultRegistry returns the built-in tables without overrides.
func DefaultRegistry() *Registry {
	return NewRegistry(nil)
}

func overrideBounds(id string, current *geo.BoundingBox, overrides map[string]geo.BoundingBox) *geo.BoundingBox {
	b, ok := overrides[id]
	if !ok {
		return current
	}
	if b == (geo.BoundingBox{}) {
		return nil
	}
	return &b
}

// City returns the dumping dataset for id.
func (r *Registry) City(id string) (CityConfig, error) {
	c, ok := r.dumping[id]
	if !ok {
		return CityConfig{}, fmt.Errorf("%w: %q", ErrUnknownCity, id)
	}
	return c, nil
}

// ParkingCity returns the parking dataset for id.
func (r *Registry) ParkingCity(id string) (ParkingCityConfig, error) {
	c, ok := r.parking[id]
	if !ok {
		return ParkingCityConfig{}, fmt.Errorf("%w: %q (parking)", ErrUnknownCity, id)
	}
	return c, nil
}

// Cities lists the dumping datasets sorted by id.
func (r *Registry) Cities() []CityConfig {
	out := make([]CityConfig, 0, len(r.dumping))
	for _, c := range r.dumping {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParkingCities lists the parking datasets sorted by id.
func (r *Registry) ParkingCities() []ParkingCityConfig {
	out := make([]ParkingCityConfig, 0, len(r.parking))
	for _, c := range r.parking {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
