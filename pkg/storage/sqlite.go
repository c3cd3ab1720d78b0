package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	sqlite "modernc.org/sqlite"

	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/types"
)

//go:embed migrations
var migrationsDir embed.FS

const sqliteInitSQL = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA temp_store = MEMORY;
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	PRAGMA trusted_schema = OFF;
`

var registerHookOnce sync.Once

// SQLiteProvider implements Database on a local SQLite file. Reads use a
// pool of connections, writes a single one.
type SQLiteProvider struct {
	path  string
	read  *sql.DB
	write *sql.DB
}

func configuredSQLite() *SQLiteProvider {
	p := lflag.String("sqlite-path", "energybill.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *p
	})
	return s
}

// NewSQLite opens and migrates the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteProvider, error) {
	s := &SQLiteProvider{path: path}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return fmt.Errorf("sqlite-path is required")
	}
	return nil
}

// Init opens the connection pools and applies pending migrations.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	registerHookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
			_, err := conn.ExecContext(context.Background(), sqliteInitSQL, nil)
			return err
		})
	})

	read, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database (read): %w", err)
	}
	read.SetMaxOpenConns(10)
	read.SetConnMaxIdleTime(time.Minute)

	write, err := sql.Open("sqlite", s.path)
	if err != nil {
		read.Close()
		return fmt.Errorf("failed to open database (write): %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetConnMaxIdleTime(time.Minute)

	s.read = read
	s.write = write
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

// Close closes both connection pools.
func (s *SQLiteProvider) Close() error {
	var errs []error
	if s.read != nil {
		errs = append(errs, s.read.Close())
	}
	if s.write != nil {
		errs = append(errs, s.write.Close())
	}
	return errors.Join(errs...)
}

var migrationVersionRe = regexp.MustCompile(`^(\d+)[-_]`)

func (s *SQLiteProvider) migrate(ctx context.Context) error {
	var current int
	if err := s.write.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	files, err := migrationsDir.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	var names []string
	for _, f := range files {
		if !f.IsDir() && path.Ext(f.Name()) == ".sql" {
			names = append(names, f.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		m := migrationVersionRe.FindStringSubmatch(name)
		if len(m) < 2 {
			return fmt.Errorf("parse version from migration file: %s", name)
		}
		next, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Errorf("convert migration version from file %s: %w", name, err)
		}
		if next <= current {
			continue
		}
		data, err := migrationsDir.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", name, err)
		}

		log.Ctx(ctx).DebugContext(ctx, "applying sqlite migration", slog.Int("version", next))
		tx, err := s.write.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("start transaction for migration %d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", next)); err != nil {
			tx.Rollback()
			return fmt.Errorf("update database version for migration %d: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", next, err)
		}
	}
	return nil
}

// GetTariffConfig reads the site's row from tariff_config.
func (s *SQLiteProvider) GetTariffConfig(ctx context.Context, siteID string) (types.TariffConfig, int, error) {
	if siteID == "" {
		return types.TariffConfig{}, 0, fmt.Errorf("siteID cannot be empty")
	}
	var (
		data    string
		version int
	)
	err := s.read.QueryRowContext(ctx, `SELECT json, version FROM tariff_config WHERE site_id = ?`, siteID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil
	}
	if err != nil {
		return types.TariffConfig{}, 0, fmt.Errorf("failed to fetch tariff config: %w", err)
	}
	return decodeTariffConfig(data, version)
}

// SetTariffConfig upserts the site's tariff.
func (s *SQLiteProvider) SetTariffConfig(ctx context.Context, siteID string, cfg types.TariffConfig, version int) error {
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	jsonBytes, err := json.Marshal(cfg.WithoutSensorValues())
	if err != nil {
		return fmt.Errorf("failed to marshal tariff config: %w", err)
	}
	_, err = s.write.ExecContext(ctx, `
		INSERT INTO tariff_config (site_id, json, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (site_id) DO UPDATE SET json = excluded.json, version = excluded.version, updated_at = excluded.updated_at`,
		siteID, string(jsonBytes), version, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save tariff config: %w", err)
	}
	return nil
}

// GetPeriodTotals reads one cached snapshot.
func (s *SQLiteProvider) GetPeriodTotals(ctx context.Context, siteID, rng string) (types.PeriodSnapshot, bool, error) {
	if siteID == "" {
		return types.PeriodSnapshot{}, false, fmt.Errorf("siteID cannot be empty")
	}
	var data string
	err := s.read.QueryRowContext(ctx, `SELECT json FROM period_totals WHERE site_id = ? AND range_name = ?`, siteID, rng).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PeriodSnapshot{}, false, nil
	}
	if err != nil {
		return types.PeriodSnapshot{}, false, fmt.Errorf("failed to fetch period totals: %w", err)
	}
	var snap types.PeriodSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return types.PeriodSnapshot{}, false, fmt.Errorf("failed to unmarshal period totals (range=%s): %w", rng, err)
	}
	return snap, true, nil
}

// SetPeriodTotals upserts a snapshot under its range.
func (s *SQLiteProvider) SetPeriodTotals(ctx context.Context, siteID string, snap types.PeriodSnapshot) error {
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	if snap.Range == "" {
		return fmt.Errorf("period snapshot missing range")
	}
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal period totals: %w", err)
	}
	_, err = s.write.ExecContext(ctx, `
		INSERT INTO period_totals (site_id, range_name, json, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (site_id, range_name) DO UPDATE SET json = excluded.json, fetched_at = excluded.fetched_at`,
		siteID, snap.Range, string(jsonBytes), snap.FetchedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save period totals: %w", err)
	}
	return nil
}

// ListPeriodTotals returns every snapshot of the site ordered by range.
func (s *SQLiteProvider) ListPeriodTotals(ctx context.Context, siteID string) ([]types.PeriodSnapshot, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	rows, err := s.read.QueryContext(ctx, `SELECT range_name, json FROM period_totals WHERE site_id = ? ORDER BY range_name`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list period totals: %w", err)
	}
	defer rows.Close()

	var snaps []types.PeriodSnapshot
	for rows.Next() {
		var rng, data string
		if err := rows.Scan(&rng, &data); err != nil {
			return nil, fmt.Errorf("failed to scan period totals: %w", err)
		}
		var snap types.PeriodSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal period totals", slog.String("range", rng), slog.String("siteID", siteID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal period totals (range=%s): %w", rng, err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating period totals: %w", err)
	}
	return snaps, nil
}
