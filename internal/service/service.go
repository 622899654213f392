package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/civic-signals-service/internal/aggregate"
	"github.com/kjstillabower/civic-signals-service/internal/cache"
	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/client"
	"github.com/kjstillabower/civic-signals-service/internal/geo"
	"github.com/kjstillabower/civic-signals-service/internal/models"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
)

// ErrNoYears is returned by the weekly operations when no year is requested.
var ErrNoYears = errors.New("at least one year is required")

// Options tunes a Service.
type Options struct {
	// CoalesceTimeout bounds a shared stats or weekly computation. Zero disables coalescing.
	CoalesceTimeout time.Duration
	Clock           clockwork.Clock
	Logger          *zap.Logger
}

// Service orchestrates cache lookup, upstream fetch, aggregation and cache write
// for every data domain. It is the contract consumed by the HTTP layer.
type Service struct {
	fetcher  client.Fetcher
	store    *cache.Store
	registry *cities.Registry
	clock    clockwork.Clock
	logger   *zap.Logger

	statsFlight        *coalescer[models.StatsSnapshot]
	parkingStatsFlight *coalescer[models.ParkingStatsSnapshot]
	weeklyFlight       *coalescer[[]models.WeeklyDatum]
}

// New creates a Service. The store may route domains to any backend mix.
func New(fetcher client.Fetcher, store *cache.Store, registry *cities.Registry, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		fetcher:            fetcher,
		store:              store,
		registry:           registry,
		clock:              opts.Clock,
		logger:             opts.Logger,
		statsFlight:        newCoalescer[models.StatsSnapshot](opts.CoalesceTimeout),
		parkingStatsFlight: newCoalescer[models.ParkingStatsSnapshot](opts.CoalesceTimeout),
		weeklyFlight:       newCoalescer[[]models.WeeklyDatum](opts.CoalesceTimeout),
	}
}

// RequestsParams selects a page of records. Year 0 means all years. The radius
// dimensions are either all set or all nil.
type RequestsParams struct {
	CityID    string
	Year      int
	Limit     int
	Offset    int
	Radius    *float64
	CenterLat *float64
	CenterLon *float64
}

func (p RequestsParams) key(d cache.Domain) cache.Key {
	var year *int
	if p.Year > 0 {
		y := p.Year
		year = &y
	}
	return cache.RequestsKey(d, p.CityID, year, p.Limit, p.Offset, p.Radius, p.CenterLat, p.CenterLon)
}

func (p RequestsParams) query() client.Query {
	q := client.Query{Year: p.Year, Limit: p.Limit, Offset: p.Offset}
	if p.Radius != nil && p.CenterLat != nil && p.CenterLon != nil {
		q.Radius = &client.RadiusFilter{
			Center: geo.LatLon{Lat: *p.CenterLat, Lon: *p.CenterLon},
			Km:     *p.Radius,
		}
	}
	return q
}

// Cities lists the dumping-request cities.
func (s *Service) Cities() []cities.CityConfig { return s.registry.Cities() }

// ParkingCities lists the parking-citation cities.
func (s *Service) ParkingCities() []cities.ParkingCityConfig { return s.registry.ParkingCities() }

// FetchRequestsCached returns the cached page for p, if any.
func (s *Service) FetchRequestsCached(ctx context.Context, p RequestsParams) ([]models.DumpingRequest, bool) {
	return cache.Load[[]models.DumpingRequest](ctx, s.store, p.key(cache.DomainRequests))
}

// SetRequestsCached stores a page under p with the domain TTL.
func (s *Service) SetRequestsCached(ctx context.Context, p RequestsParams, data []models.DumpingRequest) {
	cache.Save(ctx, s.store, p.key(cache.DomainRequests), data, 0, countMetadata(len(data)))
}

// GetRequests returns a page of dumping requests, from cache when possible.
func (s *Service) GetRequests(ctx context.Context, p RequestsParams) ([]models.DumpingRequest, error) {
	if _, err := s.registry.City(p.CityID); err != nil {
		return nil, err
	}
	logger := observability.LoggerFromContext(ctx, s.logger)
	if data, ok := s.FetchRequestsCached(ctx, p); ok {
		logger.Debug("requests served from cache", zap.String("city", p.CityID))
		return data, nil
	}
	data, err := s.fetcher.FetchRequests(ctx, p.CityID, p.query())
	if err != nil {
		return nil, fmt.Errorf("fetch requests for %s: %w", p.CityID, err)
	}
	s.SetRequestsCached(ctx, p, data)
	return data, nil
}

// FetchParkingCached returns the cached citation page for p, if any.
func (s *Service) FetchParkingCached(ctx context.Context, p RequestsParams) ([]models.ParkingCitation, bool) {
	return cache.Load[[]models.ParkingCitation](ctx, s.store, p.key(cache.DomainParkingRequests))
}

// SetParkingCached stores a citation page under p with the domain TTL.
func (s *Service) SetParkingCached(ctx context.Context, p RequestsParams, data []models.ParkingCitation) {
	cache.Save(ctx, s.store, p.key(cache.DomainParkingRequests), data, 0, countMetadata(len(data)))
}

// GetParkingCitations returns a page of parking citations, from cache when possible.
func (s *Service) GetParkingCitations(ctx context.Context, p RequestsParams) ([]models.ParkingCitation, error) {
	if _, err := s.registry.ParkingCity(p.CityID); err != nil {
		return nil, err
	}
	if data, ok := s.FetchParkingCached(ctx, p); ok {
		return data, nil
	}
	data, err := s.fetcher.FetchParking(ctx, p.CityID, p.query())
	if err != nil {
		return nil, fmt.Errorf("fetch citations for %s: %w", p.CityID, err)
	}
	s.SetParkingCached(ctx, p, data)
	return data, nil
}

// GetStats compares year against compareYear (year-1 when 0) using upstream counts
// fetched concurrently.
func (s *Service) GetStats(ctx context.Context, cityID string, year, compareYear int) (models.StatsSnapshot, error) {
	if _, err := s.registry.City(cityID); err != nil {
		return models.StatsSnapshot{}, err
	}
	if compareYear == 0 {
		compareYear = year - 1
	}
	key := cache.StatsKey(cityID, year, compareYear)
	if snap, ok := cache.Load[models.StatsSnapshot](ctx, s.store, key); ok {
		return snap, nil
	}

	snap, shared, err := s.statsFlight.Do(ctx, key.String(), func(ctx context.Context) (models.StatsSnapshot, error) {
		var current, previous models.CountResult
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			current, err = s.fetcher.CountRequests(gctx, cityID, year)
			return err
		})
		g.Go(func() error {
			var err error
			previous, err = s.fetcher.CountRequests(gctx, cityID, compareYear)
			return err
		})
		if err := g.Wait(); err != nil {
			return models.StatsSnapshot{}, err
		}
		snap := aggregate.ComputeStats(cityID, year, compareYear, current.Count, previous.Count, s.clock.Now())
		cache.Save(ctx, s.store, key, snap, 0, nil)
		return snap, nil
	})
	if err != nil {
		return models.StatsSnapshot{}, fmt.Errorf("stats for %s %d: %w", cityID, year, err)
	}
	s.logCoalesced(ctx, shared, key)
	return snap, nil
}

// GetParkingStats compares year against year-1 for parking citations, including
// fine aggregates and top violations.
func (s *Service) GetParkingStats(ctx context.Context, cityID string, year int) (models.ParkingStatsSnapshot, error) {
	if _, err := s.registry.ParkingCity(cityID); err != nil {
		return models.ParkingStatsSnapshot{}, err
	}
	key := cache.ParkingStatsKey(cityID, year)
	if snap, ok := cache.Load[models.ParkingStatsSnapshot](ctx, s.store, key); ok {
		return snap, nil
	}

	snap, shared, err := s.parkingStatsFlight.Do(ctx, key.String(), func(ctx context.Context) (models.ParkingStatsSnapshot, error) {
		var current, previous []models.ParkingCitation
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			current, err = s.fetcher.FetchAllParking(gctx, cityID, year)
			return err
		})
		g.Go(func() error {
			var err error
			previous, err = s.fetcher.FetchAllParking(gctx, cityID, year-1)
			return err
		})
		if err := g.Wait(); err != nil {
			return models.ParkingStatsSnapshot{}, err
		}
		snap := aggregate.ComputeParkingStats(cityID, current, previous, year, year-1, s.clock.Now())
		cache.Save(ctx, s.store, key, snap, 0, nil)
		return snap, nil
	})
	if err != nil {
		return models.ParkingStatsSnapshot{}, fmt.Errorf("parking stats for %s %d: %w", cityID, year, err)
	}
	s.logCoalesced(ctx, shared, key)
	return snap, nil
}

// GetWeekly returns dense weekly histograms of dumping requests, one 53-bucket
// series per year, in the order the years were given.
func (s *Service) GetWeekly(ctx context.Context, cityID string, years []int) ([]models.WeeklyDatum, error) {
	if _, err := s.registry.City(cityID); err != nil {
		return nil, err
	}
	return s.weekly(ctx, cache.WeeklyKey(cache.DomainWeekly, cityID, years), years,
		func(ctx context.Context, year int) ([]models.WeeklyDatum, error) {
			recs, err := s.fetcher.FetchAllRequests(ctx, cityID, year)
			if err != nil {
				return nil, err
			}
			return aggregate.ComputeWeeklyHistogram(recs, []int{year}), nil
		})
}

// GetParkingWeekly is GetWeekly for parking citations.
func (s *Service) GetParkingWeekly(ctx context.Context, cityID string, years []int) ([]models.WeeklyDatum, error) {
	if _, err := s.registry.ParkingCity(cityID); err != nil {
		return nil, err
	}
	return s.weekly(ctx, cache.WeeklyKey(cache.DomainParkingWeekly, cityID, years), years,
		func(ctx context.Context, year int) ([]models.WeeklyDatum, error) {
			recs, err := s.fetcher.FetchAllParking(ctx, cityID, year)
			if err != nil {
				return nil, err
			}
			return aggregate.ComputeWeeklyHistogram(recs, []int{year}), nil
		})
}

// weekly fans out one fetch per distinct year. The cache key sorts years, so the
// cached series is reordered to match the caller's year order on the way out.
func (s *Service) weekly(ctx context.Context, key cache.Key, years []int, perYear func(context.Context, int) ([]models.WeeklyDatum, error)) ([]models.WeeklyDatum, error) {
	if len(years) == 0 {
		return nil, ErrNoYears
	}
	if data, ok := cache.Load[[]models.WeeklyDatum](ctx, s.store, key); ok {
		return orderByYears(data, years), nil
	}

	data, shared, err := s.weeklyFlight.Do(ctx, key.String(), func(ctx context.Context) ([]models.WeeklyDatum, error) {
		distinct := key.Years
		results := make([][]models.WeeklyDatum, len(distinct))
		g, gctx := errgroup.WithContext(ctx)
		for i, year := range distinct {
			g.Go(func() error {
				series, err := perYear(gctx, year)
				if err != nil {
					return fmt.Errorf("year %d: %w", year, err)
				}
				results[i] = series
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		var all []models.WeeklyDatum
		for _, series := range results {
			all = append(all, series...)
		}
		cache.Save(ctx, s.store, key, all, 0, map[string]string{"years": key.YearsKey()})
		return all, nil
	})
	if err != nil {
		return nil, fmt.Errorf("weekly for %s: %w", key.CityID, err)
	}
	s.logCoalesced(ctx, shared, key)
	return orderByYears(data, years), nil
}

// orderByYears emits each year's buckets in the order years lists them. Repeated
// years are emitted once.
func orderByYears(data []models.WeeklyDatum, years []int) []models.WeeklyDatum {
	byYear := make(map[int][]models.WeeklyDatum)
	for _, d := range data {
		byYear[d.Year] = append(byYear[d.Year], d)
	}
	out := make([]models.WeeklyDatum, 0, len(data))
	seen := make(map[int]bool, len(years))
	for _, y := range years {
		if seen[y] {
			continue
		}
		seen[y] = true
		out = append(out, byYear[y]...)
	}
	return out
}

// InvalidateCity drops every cached entry of cityID.
func (s *Service) InvalidateCity(ctx context.Context, cityID string) error {
	if _, errDump := s.registry.City(cityID); errDump != nil {
		if _, errPark := s.registry.ParkingCity(cityID); errPark != nil {
			return errDump
		}
	}
	observability.LoggerFromContext(ctx, s.logger).Info("invalidating city cache", zap.String("city", cityID))
	return s.store.InvalidateCity(ctx, cityID)
}

// Invalidate drops one cached entry.
func (s *Service) Invalidate(ctx context.Context, key cache.Key) error {
	return s.store.Invalidate(ctx, key)
}

// Ping checks the cache backends.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) logCoalesced(ctx context.Context, shared bool, key cache.Key) {
	if shared {
		observability.LoggerFromContext(ctx, s.logger).Debug("joined in-flight computation", zap.String("key", key.String()))
	}
}

func countMetadata(n int) map[string]string {
	return map[string]string{"records": fmt.Sprint(n)}
}
