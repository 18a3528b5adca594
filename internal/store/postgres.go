// Package store owns the PostgreSQL subscription records. The web layer
// writes subscriptions; the scheduler only reads them and writes back
// position state, so all writes here are last-writer-wins.
package store

import (
	"context"
	"fmt"
	"net/url"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/minjae-oh/quantcore/internal/types"
)

const (
	defaultHost    = "localhost"
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	ConnString string
	Config     *gorm.Config
}

func (opt Option) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	query := url.Values{}
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// subscriptionRow is the persisted shape of one subscription.
type subscriptionRow struct {
	ID              uint `gorm:"primaryKey"`
	UserID          uint `gorm:"index"`
	Market          string
	StrategyName    string
	Param1          int
	Param2          *int
	StopLossPercent *float64
	ExecutionHour   int `gorm:"index:idx_execution_time"`
	ExecutionMinute int `gorm:"index:idx_execution_time"`
	InvestingLimit  float64
	Active          bool `gorm:"index"`
	Holding         bool
	PendingUnits    float64
}

func (subscriptionRow) TableName() string { return "subscriptions" }

func (r subscriptionRow) toDomain() types.Subscription {
	return types.Subscription{
		ID:     r.ID,
		UserID: r.UserID,
		Market: r.Market,
		Strategy: types.StrategyDefinition{
			Name:            r.StrategyName,
			Param1:          r.Param1,
			Param2:          r.Param2,
			StopLossPercent: r.StopLossPercent,
		},
		ExecutionTime:  types.TimeOfDay{Hour: r.ExecutionHour, Minute: r.ExecutionMinute},
		InvestingLimit: r.InvestingLimit,
		Active:         r.Active,
		Position: types.PositionState{
			Holding:          r.Holding,
			UnitsPendingSale: r.PendingUnits,
		},
	}
}

// catalogRow is one published strategy on offer.
type catalogRow struct {
	ID              uint `gorm:"primaryKey"`
	Market          string
	StrategyName    string
	Param1          int
	Param2          *int
	StopLossPercent *float64
}

func (catalogRow) TableName() string { return "catalog_strategies" }

// Store is the gorm-backed subscription store.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates the schema.
func Open(option Option) (*Store, error) {
	config := option.Config
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(option.dsn()), config)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.AutoMigrate(&subscriptionRow{}, &catalogRow{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle for the web layer.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ActiveAt returns active subscriptions scheduled for the given minute.
func (s *Store) ActiveAt(ctx context.Context, at types.TimeOfDay) ([]types.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.WithContext(ctx).
		Where("active = ? AND execution_hour = ? AND execution_minute = ?", true, at.Hour, at.Minute).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("selecting subscriptions due at %s: %w", at, err)
	}
	subs := make([]types.Subscription, 0, len(rows))
	for _, r := range rows {
		subs = append(subs, r.toDomain())
	}
	return subs, nil
}

// Markets returns the distinct markets with at least one active
// subscription.
func (s *Store) Markets(ctx context.Context) ([]string, error) {
	var markets []string
	err := s.db.WithContext(ctx).
		Model(&subscriptionRow{}).
		Where("active = ?", true).
		Distinct("market").
		Order("market").
		Pluck("market", &markets).Error
	if err != nil {
		return nil, fmt.Errorf("listing active markets: %w", err)
	}
	return markets, nil
}

// Catalog returns every published strategy.
func (s *Store) Catalog(ctx context.Context) ([]types.CatalogStrategy, error) {
	var rows []catalogRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading strategy catalog: %w", err)
	}
	catalog := make([]types.CatalogStrategy, 0, len(rows))
	for _, r := range rows {
		catalog = append(catalog, types.CatalogStrategy{
			ID:     r.ID,
			Market: r.Market,
			Definition: types.StrategyDefinition{
				Name:            r.StrategyName,
				Param1:          r.Param1,
				Param2:          r.Param2,
				StopLossPercent: r.StopLossPercent,
			},
		})
	}
	return catalog, nil
}

// UpdatePosition writes back a subscription's position state.
func (s *Store) UpdatePosition(ctx context.Context, subscriptionID uint, state types.PositionState) error {
	err := s.db.WithContext(ctx).
		Model(&subscriptionRow{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]any{
			"holding":       state.Holding,
			"pending_units": state.UnitsPendingSale,
		}).Error
	if err != nil {
		return fmt.Errorf("updating position for subscription %d: %w", subscriptionID, err)
	}
	return nil
}

// SetActive flips a subscription on or off.
func (s *Store) SetActive(ctx context.Context, subscriptionID uint, active bool) error {
	err := s.db.WithContext(ctx).
		Model(&subscriptionRow{}).
		Where("id = ?", subscriptionID).
		Update("active", active).Error
	if err != nil {
		return fmt.Errorf("setting active=%t for subscription %d: %w", active, subscriptionID, err)
	}
	return nil
}

// RecomputeAllocation rebalances a user's investing limits after an exit
// frees quote currency: the freed share is spread evenly across the
// user's active flat subscriptions.
func (s *Store) RecomputeAllocation(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []subscriptionRow
		if err := tx.Where("user_id = ? AND active = ?", userID, true).Find(&rows).Error; err != nil {
			return fmt.Errorf("loading subscriptions for user %d: %w", userID, err)
		}

		total := 0.0
		flat := 0
		for _, r := range rows {
			total += r.InvestingLimit
			if !r.Holding {
				flat++
			}
		}
		if flat == 0 {
			return nil
		}

		// Held positions keep their committed limit; the rest splits
		// evenly among flat subscriptions.
		committed := 0.0
		for _, r := range rows {
			if r.Holding {
				committed += r.InvestingLimit
			}
		}
		share := (total - committed) / float64(flat)
		for _, r := range rows {
			if r.Holding {
				continue
			}
			if err := tx.Model(&subscriptionRow{}).
				Where("id = ?", r.ID).
				Update("investing_limit", share).Error; err != nil {
				return fmt.Errorf("updating limit for subscription %d: %w", r.ID, err)
			}
		}
		return nil
	})
}
