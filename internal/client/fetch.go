package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/geo"
	"github.com/kjstillabower/civic-signals-service/internal/models"
	"github.com/kjstillabower/civic-signals-service/internal/normalize"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
)

type located interface {
	Coordinates() (lat, lon float64)
}

// FetchRequests returns one page of normalized dumping requests, newest first.
func (c *SODAClient) FetchRequests(ctx context.Context, cityID string, q Query) ([]models.DumpingRequest, error) {
	cfg, err := c.registry.City(cityID)
	if err != nil {
		return nil, err
	}
	adapter, err := normalize.ForCity(cfg)
	if err != nil {
		return nil, err
	}
	rows, err := c.fetchRows(ctx, cfg, pageParams(cfg, q.Year, q.Limit, q.Offset, cfg.DateField+" DESC"))
	if err != nil {
		return nil, err
	}
	return withinRadius(adapter.Requests(rows, c.rejecter(cityID)), q.Radius), nil
}

// FetchParking returns one page of normalized parking citations, newest first.
func (c *SODAClient) FetchParking(ctx context.Context, cityID string, q Query) ([]models.ParkingCitation, error) {
	cfg, err := c.registry.ParkingCity(cityID)
	if err != nil {
		return nil, err
	}
	adapter, err := normalize.ForParkingCity(cfg)
	if err != nil {
		return nil, err
	}
	rows, err := c.fetchRows(ctx, cfg.CityConfig, pageParams(cfg.CityConfig, q.Year, q.Limit, q.Offset, cfg.DateField+" DESC"))
	if err != nil {
		return nil, err
	}
	return withinRadius(adapter.Citations(rows, c.rejecter(cityID)), q.Radius), nil
}

// FetchAllRequests pages through every dumping request of year (0 for all years).
func (c *SODAClient) FetchAllRequests(ctx context.Context, cityID string, year int) ([]models.DumpingRequest, error) {
	cfg, err := c.registry.City(cityID)
	if err != nil {
		return nil, err
	}
	adapter, err := normalize.ForCity(cfg)
	if err != nil {
		return nil, err
	}
	rows, err := c.fetchAllRows(ctx, cfg, year)
	if err != nil {
		return nil, err
	}
	return adapter.Requests(rows, c.rejecter(cityID)), nil
}

// FetchAllParking pages through every parking citation of year (0 for all years).
func (c *SODAClient) FetchAllParking(ctx context.Context, cityID string, year int) ([]models.ParkingCitation, error) {
	cfg, err := c.registry.ParkingCity(cityID)
	if err != nil {
		return nil, err
	}
	adapter, err := normalize.ForParkingCity(cfg)
	if err != nil {
		return nil, err
	}
	rows, err := c.fetchAllRows(ctx, cfg.CityConfig, year)
	if err != nil {
		return nil, err
	}
	return adapter.Citations(rows, c.rejecter(cityID)), nil
}

// CountRequests asks the dataset for its dumping-request count in year.
func (c *SODAClient) CountRequests(ctx context.Context, cityID string, year int) (models.CountResult, error) {
	cfg, err := c.registry.City(cityID)
	if err != nil {
		return models.CountResult{}, err
	}
	return c.count(ctx, cfg, year)
}

// CountParking asks the dataset for its citation count in year.
func (c *SODAClient) CountParking(ctx context.Context, cityID string, year int) (models.CountResult, error) {
	cfg, err := c.registry.ParkingCity(cityID)
	if err != nil {
		return models.CountResult{}, err
	}
	return c.count(ctx, cfg.CityConfig, year)
}

func (c *SODAClient) count(ctx context.Context, cfg cities.CityConfig, year int) (models.CountResult, error) {
	rows, err := c.fetchRows(ctx, cfg, countParams(cfg, year))
	if err != nil {
		return models.CountResult{}, err
	}
	res := models.CountResult{CityID: cfg.ID, Year: year}
	if len(rows) == 0 {
		return res, nil
	}
	var row struct {
		Count json.RawMessage `json:"count"`
	}
	if err := json.Unmarshal(rows[0], &row); err != nil {
		return models.CountResult{}, fmt.Errorf("parse %s count: %w", cfg.ID, err)
	}
	n, err := parseCount(row.Count)
	if err != nil {
		return models.CountResult{}, fmt.Errorf("parse %s count: %w", cfg.ID, err)
	}
	res.Count = n
	return res, nil
}

// parseCount accepts both the quoted and the bare numeric form SODA may return.
func parseCount(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.Atoi(s)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// fetchAllRows walks pages ordered by :id until a short page or MaxPages.
func (c *SODAClient) fetchAllRows(ctx context.Context, cfg cities.CityConfig, year int) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := c.fetchRows(ctx, cfg, pageParams(cfg, year, c.cfg.PageSize, page*c.cfg.PageSize, ":id"))
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if len(rows) < c.cfg.PageSize {
			return all, nil
		}
		if c.cfg.MaxPages > 0 && page+1 >= c.cfg.MaxPages {
			c.logger.Warn("pagination stopped at page limit",
				zap.String("city", cfg.ID),
				zap.Int("year", year),
				zap.Int("pages", c.cfg.MaxPages),
				zap.Int("rows", len(all)),
			)
			return all, nil
		}
	}
}

func (c *SODAClient) rejecter(cityID string) func(normalize.Reason) {
	return func(r normalize.Reason) {
		observability.RecordRejected(cityID, string(r))
	}
}

// withinRadius keeps records whose distance to the filter center is at most Km.
func withinRadius[T located](records []T, f *RadiusFilter) []T {
	if f == nil {
		return records
	}
	out := records[:0:0]
	for _, r := range records {
		lat, lon := r.Coordinates()
		if geo.DistBetweenLatLon(f.Center, geo.LatLon{Lat: lat, Lon: lon}) <= f.Km {
			out = append(out, r)
		}
	}
	return out
}
