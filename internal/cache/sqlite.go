package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// EntryColumns are shared by every domain table. The column structs are exported
// because gorm only maps fields of exported embedded types. Times are epoch milliseconds.
type EntryColumns struct {
	ID        uint   `gorm:"primaryKey"`
	CacheKey  string `gorm:"not null;uniqueIndex"`
	CityID    string `gorm:"not null;index"`
	Data      string `gorm:"not null"`
	Metadata  string
	ExpiresAt int64 `gorm:"not null;index"`
	CreatedAt int64 `gorm:"autoCreateTime:false"`
}

type ListColumns struct {
	Year        *int
	LimitValue  int
	OffsetValue int
	Radius      *float64
	CenterLat   *float64
	CenterLon   *float64
}

type StatsColumns struct {
	Year        *int
	CompareYear *int
}

type WeeklyColumns struct {
	YearsKey string `gorm:"not null"`
}

type requestsEntry struct {
	EntryColumns
	ListColumns
}

func (requestsEntry) TableName() string { return "cache_requests" }

type parkingRequestsEntry struct {
	EntryColumns
	ListColumns
}

func (parkingRequestsEntry) TableName() string { return "cache_parking_requests" }

type statsEntry struct {
	EntryColumns
	StatsColumns
}

func (statsEntry) TableName() string { return "cache_stats" }

type parkingStatsEntry struct {
	EntryColumns
	StatsColumns
}

func (parkingStatsEntry) TableName() string { return "cache_parking_stats" }

type weeklyEntry struct {
	EntryColumns
	WeeklyColumns
}

func (weeklyEntry) TableName() string { return "cache_weekly" }

type parkingWeeklyEntry struct {
	EntryColumns
	WeeklyColumns
}

func (parkingWeeklyEntry) TableName() string { return "cache_parking_weekly" }

// tableModel returns an empty model of d's table.
func tableModel(d Domain) any {
	switch d {
	case DomainRequests:
		return &requestsEntry{}
	case DomainParkingRequests:
		return &parkingRequestsEntry{}
	case DomainStats:
		return &statsEntry{}
	case DomainParkingStats:
		return &parkingStatsEntry{}
	case DomainWeekly:
		return &weeklyEntry{}
	case DomainParkingWeekly:
		return &parkingWeeklyEntry{}
	}
	return nil
}

// tableRow builds the typed row stored for key.
func tableRow(key Key, base EntryColumns) any {
	list := ListColumns{
		Year:        key.Year,
		LimitValue:  key.Limit,
		OffsetValue: key.Offset,
		Radius:      key.Radius,
		CenterLat:   key.CenterLat,
		CenterLon:   key.CenterLon,
	}
	stats := StatsColumns{Year: key.Year, CompareYear: key.CompareYear}
	weekly := WeeklyColumns{YearsKey: key.YearsKey()}

	switch key.Domain {
	case DomainRequests:
		return &requestsEntry{base, list}
	case DomainParkingRequests:
		return &parkingRequestsEntry{base, list}
	case DomainStats:
		return &statsEntry{base, stats}
	case DomainParkingStats:
		return &parkingStatsEntry{base, stats}
	case DomainWeekly:
		return &weeklyEntry{base, weekly}
	case DomainParkingWeekly:
		return &parkingWeeklyEntry{base, weekly}
	}
	return nil
}

// matchKey narrows tx to key's row using the typed columns. Absent optional
// dimensions match IS NULL rather than = NULL.
func matchKey(tx *gorm.DB, key Key) *gorm.DB {
	tx = tx.Where("city_id = ?", key.CityID)
	switch key.Domain.shape() {
	case shapeList:
		tx = eqOrNull(tx, "year", key.Year)
		tx = tx.Where("limit_value = ? AND offset_value = ?", key.Limit, key.Offset)
		tx = eqOrNull(tx, "radius", key.Radius)
		tx = eqOrNull(tx, "center_lat", key.CenterLat)
		tx = eqOrNull(tx, "center_lon", key.CenterLon)
	case shapeStats:
		tx = eqOrNull(tx, "year", key.Year)
		tx = eqOrNull(tx, "compare_year", key.CompareYear)
	case shapeWeekly:
		tx = tx.Where("years_key = ?", key.YearsKey())
	}
	return tx
}

func eqOrNull[T any](tx *gorm.DB, column string, v *T) *gorm.DB {
	if v == nil {
		return tx.Where(column + " IS NULL")
	}
	return tx.Where(column+" = ?", *v)
}

// SQLiteBackend is the embedded file-backed store, one table per domain.
type SQLiteBackend struct {
	db            *gorm.DB
	clock         clockwork.Clock
	logger        *zap.Logger
	pruneInterval time.Duration

	pruneMu     sync.Mutex
	lastPruneAt time.Time
}

// SQLiteOptions configures NewSQLiteBackend.
type SQLiteOptions struct {
	Path          string
	PruneInterval time.Duration
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

// NewSQLiteBackend opens (creating if needed) the database at opts.Path and
// migrates every domain table.
func NewSQLiteBackend(opts SQLiteOptions) (*SQLiteBackend, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite cache: empty path")
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite cache: create dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(opts.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	sqlDB.SetMaxOpenConns(1)

	models := make([]any, 0, len(AllDomains()))
	for _, d := range AllDomains() {
		models = append(models, tableModel(d))
	}
	if err := db.AutoMigrate(models...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite cache: migrate: %w", err)
	}

	return &SQLiteBackend{
		db:            db,
		clock:         opts.Clock,
		logger:        opts.Logger,
		pruneInterval: opts.PruneInterval,
	}, nil
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

func (s *SQLiteBackend) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	model := tableModel(key.Domain)
	if model == nil {
		return nil, false, fmt.Errorf("sqlite cache: unknown domain %q", key.Domain)
	}
	var row struct {
		Data      string
		ExpiresAt int64
	}
	err := matchKey(s.db.WithContext(ctx).Model(model).Select("data", "expires_at"), key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite cache get %s: %w", key, err)
	}
	if expired(time.UnixMilli(row.ExpiresAt), s.clock.Now()) {
		return nil, false, nil
	}
	return []byte(row.Data), true, nil
}

// Set upserts the row for key, then runs a prune if one is due.
func (s *SQLiteBackend) Set(ctx context.Context, key Key, data []byte, ttl time.Duration, metadata map[string]string) error {
	now := s.clock.Now()
	row := tableRow(key, EntryColumns{
		CacheKey:  key.String(),
		CityID:    key.CityID,
		Data:      string(data),
		Metadata:  encodeMetadata(metadata),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		CreatedAt: now.UnixMilli(),
	})
	if row == nil {
		return fmt.Errorf("sqlite cache: unknown domain %q", key.Domain)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "metadata", "expires_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("sqlite cache set %s: %w", key, err)
	}

	if _, err := s.ClearExpired(ctx); err != nil {
		s.logger.Warn("sqlite cache prune failed", zap.Error(err))
	}
	return nil
}

func (s *SQLiteBackend) Invalidate(ctx context.Context, key Key) error {
	model := tableModel(key.Domain)
	if model == nil {
		return fmt.Errorf("sqlite cache: unknown domain %q", key.Domain)
	}
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key.String()).Delete(model).Error; err != nil {
		return fmt.Errorf("sqlite cache invalidate %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteBackend) InvalidateCity(ctx context.Context, cityID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range AllDomains() {
			if err := tx.Where("city_id = ?", cityID).Delete(tableModel(d)).Error; err != nil {
				return fmt.Errorf("sqlite cache invalidate city %s in %s: %w", cityID, d, err)
			}
		}
		return nil
	})
}

// ClearExpired deletes expired rows from every table, at most once per prune interval.
// It returns 0 without touching the database when a prune is not due.
func (s *SQLiteBackend) ClearExpired(ctx context.Context) (int, error) {
	s.pruneMu.Lock()
	now := s.clock.Now()
	if !ShouldPrune(now, s.lastPruneAt, s.pruneInterval) {
		s.pruneMu.Unlock()
		return 0, nil
	}
	s.lastPruneAt = now
	s.pruneMu.Unlock()

	return s.deleteExpired(ctx, now)
}

func (s *SQLiteBackend) deleteExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, d := range AllDomains() {
		res := s.db.WithContext(ctx).Where("expires_at < ?", now.UnixMilli()).Delete(tableModel(d))
		if res.Error != nil {
			return total, fmt.Errorf("sqlite cache prune %s: %w", d, res.Error)
		}
		total += int(res.RowsAffected)
	}
	return total, nil
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteBackend) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// rowCount counts rows stored under key, expired ones included.
func (s *SQLiteBackend) rowCount(ctx context.Context, key Key) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(tableModel(key.Domain)).Where("cache_key = ?", key.String()).Count(&n).Error
	return n, err
}
