package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements Cache on a SQLite table with one row per (city, country_code, date).
// The date column is text: a calendar date for forecasts, a zoned timestamp otherwise.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
// path may be ":memory:" for a process-local database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}

	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite connect %s: %w", path, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite apply schema: %w", err)
	}
	return tx.Commit()
}

// Lookup implements Cache.Lookup.
func (s *SQLiteStore) Lookup(ctx context.Context, key models.CacheKey) (json.RawMessage, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM weather_information WHERE city = ? AND country_code = ? AND date = ?",
		key.City, key.CountryCode, key.Date,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite store lookup: %w", err)
	}
	return json.RawMessage(data), true, nil
}

// Store implements Cache.Store. A second store for an existing key leaves the first row intact.
func (s *SQLiteStore) Store(ctx context.Context, key models.CacheKey, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO weather_information (city, country_code, date, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (city, country_code, date) DO NOTHING`,
		key.City, key.CountryCode, key.Date, string(payload),
	)
	if err != nil {
		return fmt.Errorf("sqlite store insert: %w", err)
	}
	return nil
}

// records returns every stored record for city and country code, oldest first.
func (s *SQLiteStore) records(ctx context.Context, city, countryCode string) ([]models.WeatherRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT city, country_code, date, data FROM weather_information WHERE city = ? AND country_code = ? ORDER BY id",
		city, countryCode,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite store records: %w", err)
	}
	defer rows.Close()

	var out []models.WeatherRecord
	for rows.Next() {
		var r models.WeatherRecord
		var data string
		if err := rows.Scan(&r.City, &r.CountryCode, &r.Date, &data); err != nil {
			return nil, fmt.Errorf("sqlite store scan: %w", err)
		}
		r.Data = json.RawMessage(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the database connection. Used for health checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database. Call during shutdown.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite close: %w", err)
	}
	return nil
}
