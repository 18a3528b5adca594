// Package barstore persists minute bars in ClickHouse. Bars are
// append-only; a ReplacingMergeTree keyed on (market, ts) makes re-ingest
// of an overlapping range harmless.
package barstore

import (
	"context"
	"fmt"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/minjae-oh/quantcore/internal/logging"
	"github.com/minjae-oh/quantcore/internal/types"
)

var log = logging.New("barstore")

const tableDDL = `
	CREATE TABLE IF NOT EXISTS %s.%s (
		market LowCardinality(String),
		ts DateTime('UTC'),
		open Float64,
		high Float64,
		low Float64,
		close Float64,
		volume_quote Float64,
		volume_base Float64,
		version UInt64
	)
	ENGINE = ReplacingMergeTree(version)
	ORDER BY (market, ts)
	SETTINGS index_granularity = 8192
`

// Config locates the ClickHouse server and the bar table.
type Config struct {
	Addr     string
	Database string
	Table    string
	User     string
	Password string
}

// Store reads and writes minute bars over the ClickHouse native protocol.
type Store struct {
	conn clickhouse.Conn
	db   string
	tbl  string
}

// Open connects, pings, and ensures the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "bars"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(60),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	s := &Store{conn: conn, db: cfg.Database, tbl: cfg.Table}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.db)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	if err := s.conn.Exec(ctx, fmt.Sprintf(tableDDL, s.db, s.tbl)); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Append batch-inserts bars. insert_deduplicate plus the replacing merge
// key swallow duplicate timestamps from overlapping fetch ranges.
func (s *Store) Append(ctx context.Context, market string, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s.%s SETTINGS insert_deduplicate=1", s.db, s.tbl))
	if err != nil {
		return fmt.Errorf("preparing bar batch: %w", err)
	}
	version := uint64(time.Now().UnixMilli())
	for _, b := range bars {
		if err := batch.Append(
			market,
			b.Timestamp.UTC(),
			b.Open,
			b.High,
			b.Low,
			b.Close,
			b.VolumeQuote,
			b.VolumeBase,
			version,
		); err != nil {
			return fmt.Errorf("appending bar %s: %w", b.Timestamp, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending bar batch for %s: %w", market, err)
	}
	log.Debug("Appended bars", "market", market, "count", len(bars))
	return nil
}

// Latest returns the newest stored bar timestamp, or the zero time when
// the market has no history yet.
func (s *Store) Latest(ctx context.Context, market string) (time.Time, error) {
	var ts time.Time
	query := fmt.Sprintf("SELECT max(ts) FROM %s.%s WHERE market = ?", s.db, s.tbl)
	if err := s.conn.QueryRow(ctx, query, market).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("reading latest bar for %s: %w", market, err)
	}
	// max() over an empty set comes back as the DateTime epoch.
	if ts.Unix() <= 0 {
		return time.Time{}, nil
	}
	return ts.UTC(), nil
}

// History returns bars at or after since, ordered by timestamp. FINAL
// collapses replaced duplicates at read time.
func (s *Store) History(ctx context.Context, market string, since time.Time) ([]types.Bar, error) {
	query := fmt.Sprintf(`
		SELECT ts, open, high, low, close, volume_quote, volume_base
		FROM %s.%s FINAL
		WHERE market = ? AND ts >= ?
		ORDER BY ts
	`, s.db, s.tbl)
	rows, err := s.conn.Query(ctx, query, market, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", market, err)
	}
	defer rows.Close()

	var bars []types.Bar
	for rows.Next() {
		var b types.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.VolumeQuote, &b.VolumeBase); err != nil {
			return nil, fmt.Errorf("scanning bar for %s: %w", market, err)
		}
		b.Timestamp = b.Timestamp.UTC()
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history for %s: %w", market, err)
	}
	return bars, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}
