// Package normalize maps raw per-city SODA rows onto the canonical record shapes.
// Each dataset has its own row struct; a row that cannot be placed on the map is
// rejected with a Reason instead of an error so one corrupt row never fails a batch.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/geo"
	"github.com/kjstillabower/civic-signals-service/internal/models"
)

// Reason labels a rejected row. The empty Reason means the row was accepted.
type Reason string

// Rejection reasons, used as metric labels.
const (
	Accepted              Reason = ""
	ReasonMalformed       Reason = "malformed"
	ReasonMissingID       Reason = "missing_id"
	ReasonMissingGeometry Reason = "missing_geometry"
	ReasonInvalidCoords   Reason = "invalid_coordinates"
	ReasonOutOfBounds     Reason = "out_of_bounds"
)

// RequestFunc normalizes one raw dumping row.
type RequestFunc func(raw json.RawMessage) (models.DumpingRequest, Reason)

// CitationFunc normalizes one raw parking row.
type CitationFunc func(raw json.RawMessage) (models.ParkingCitation, Reason)

type requestRow interface {
	toRequest(cfg cities.CityConfig) (models.DumpingRequest, Reason)
}

type citationRow interface {
	toCitation(cfg cities.CityConfig) (models.ParkingCitation, Reason)
}

var requestAdapters = map[string]func(cities.CityConfig) RequestFunc{
	cities.Oakland:      decodeRequest[oaklandRow],
	cities.SanFrancisco: decodeRequest[sanFranciscoRow],
	cities.LosAngeles:   decodeRequest[losAngelesRow],
}

var citationAdapters = map[string]func(cities.CityConfig) CitationFunc{
	cities.SanFrancisco: decodeCitation[sfParkingRow],
	cities.LosAngeles:   decodeCitation[laParkingRow],
}

// ForCity returns the dumping adapter bound to cfg.
func ForCity(cfg cities.CityConfig) (RequestFunc, error) {
	build, ok := requestAdapters[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no request adapter for %q", cities.ErrUnknownCity, cfg.ID)
	}
	return build(cfg), nil
}

// ForParkingCity returns the parking adapter bound to cfg.
func ForParkingCity(cfg cities.ParkingCityConfig) (CitationFunc, error) {
	build, ok := citationAdapters[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no citation adapter for %q", cities.ErrUnknownCity, cfg.ID)
	}
	return build(cfg.CityConfig), nil
}

func decodeRequest[R requestRow](cfg cities.CityConfig) RequestFunc {
	return func(raw json.RawMessage) (models.DumpingRequest, Reason) {
		var row R
		if err := json.Unmarshal(raw, &row); err != nil {
			return models.DumpingRequest{}, ReasonMalformed
		}
		return row.toRequest(cfg)
	}
}

func decodeCitation[R citationRow](cfg cities.CityConfig) CitationFunc {
	return func(raw json.RawMessage) (models.ParkingCitation, Reason) {
		var row R
		if err := json.Unmarshal(raw, &row); err != nil {
			return models.ParkingCitation{}, ReasonMalformed
		}
		return row.toCitation(cfg)
	}
}

// Requests normalizes a batch, calling reject (if non-nil) for every dropped row.
func (f RequestFunc) Requests(rows []json.RawMessage, reject func(Reason)) []models.DumpingRequest {
	out := make([]models.DumpingRequest, 0, len(rows))
	for _, raw := range rows {
		rec, reason := f(raw)
		if reason != Accepted {
			if reject != nil {
				reject(reason)
			}
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Citations normalizes a batch, calling reject (if non-nil) for every dropped row.
func (f CitationFunc) Citations(rows []json.RawMessage, reject func(Reason)) []models.ParkingCitation {
	out := make([]models.ParkingCitation, 0, len(rows))
	for _, raw := range rows {
		rec, reason := f(raw)
		if reason != Accepted {
			if reject != nil {
				reject(reason)
			}
			continue
		}
		out = append(out, rec)
	}
	return out
}

// resolveCoordinates applies the validity filter, the optional Mercator conversion
// and the city sanity box. x is easting/longitude, y northing/latitude.
func resolveCoordinates(cfg cities.CityConfig, x, y float64) (lat, lon float64, reason Reason) {
	if !geo.FilterInvalidCoordinates(x, y) {
		return 0, 0, ReasonInvalidCoords
	}
	switch {
	case geo.IsWGS84(x, y):
		// some projected sources mix in rows that are already degrees
		lat, lon = y, x
	case cfg.RequiresCoordinateConversion:
		lat, lon = geo.WebMercatorToWGS84(x, y)
	default:
		return 0, 0, ReasonInvalidCoords
	}
	if !geo.ValidLatLon(lat, lon) {
		return 0, 0, ReasonInvalidCoords
	}
	if cfg.Bounds != nil && !cfg.Bounds.Contains(lat, lon) {
		return 0, 0, ReasonOutOfBounds
	}
	return lat, lon, Accepted
}

// fromStrings parses separate x/y string fields into a resolved position.
func fromStrings(cfg cities.CityConfig, xs, ys string) (lat, lon float64, reason Reason) {
	x, okX := parseFloat(xs)
	y, okY := parseFloat(ys)
	if !okX || !okY {
		return 0, 0, ReasonMissingGeometry
	}
	return resolveCoordinates(cfg, x, y)
}

// geoPoint is a GeoJSON point as emitted by SODA location columns.
type geoPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

func (p *geoPoint) resolve(cfg cities.CityConfig) (lat, lon float64, reason Reason) {
	if p == nil || len(p.Coordinates) < 2 {
		return 0, 0, ReasonMissingGeometry
	}
	return resolveCoordinates(cfg, p.Coordinates[0], p.Coordinates[1])
}

// parseFloat parses a trimmed decimal string. Empty or invalid input reports false.
func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseFine parses a fine amount, returning 0 for missing, invalid or negative values.
func parseFine(s string) float64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	v, ok := parseFloat(strings.ReplaceAll(s, ",", ""))
	if !ok || v < 0 {
		return 0
	}
	return v
}
