package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/adalundhe/gxemap/core/crm"
)

// Store persists scan results to sqlite for post-hoc audit: every variant's
// p-value, selected mixing weight, variance split, and failure reason,
// keyed by the scan identifier.
type Store struct {
	db   *sql.DB
	path string
}

type Config struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	BusyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxOpen:     4,
		MaxIdle:     2,
		MaxLifetime: time.Hour,
		BusyTimeout: 30 * time.Second,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	scan_id    TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	variants   INTEGER NOT NULL,
	failed     INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS variant_stats (
	scan_id        TEXT NOT NULL REFERENCES scans(scan_id) ON DELETE CASCADE,
	variant_index  INTEGER NOT NULL,
	pvalue         REAL,
	rho1           REAL,
	env_variance   REAL,
	kin_variance   REAL,
	noise_variance REAL,
	error          TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (scan_id, variant_index)
);
`

// Open creates or reuses the sqlite database at path.
func Open(path string, config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=1",
		path,
		int(config.BusyTimeout.Milliseconds()),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpen)
	db.SetMaxIdleConns(config.MaxIdle)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

// nullable maps NaN to NULL so sqlite round-trips failed variants cleanly.
func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

// SaveScan writes a scan header row and one row per variant, atomically.
func (s *Store) SaveScan(ctx context.Context, res *crm.ScanResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scans (scan_id, kind, variants, failed, created_at) VALUES (?, ?, ?, ?, ?)`,
		res.ScanID, res.Kind, len(res.Stats), res.Failed, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO variant_stats (scan_id, variant_index, pvalue, rho1, env_variance, kin_variance, noise_variance, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, st := range res.Stats {
		_, err = stmt.ExecContext(ctx,
			res.ScanID, st.Index,
			nullable(st.Pvalue), nullable(st.Rho1),
			nullable(st.EnvVariance), nullable(st.KinVariance), nullable(st.NoiseVariance),
			st.Err,
		)
		if err != nil {
			return fmt.Errorf("insert variant %d: %w", st.Index, err)
		}
	}
	return tx.Commit()
}

// ScanSummary is one row of the scans table.
type ScanSummary struct {
	ScanID    string
	Kind      string
	Variants  int
	Failed    int
	CreatedAt time.Time
}

// ListScans returns scan headers, newest first.
func (s *Store) ListScans(ctx context.Context) ([]ScanSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scan_id, kind, variants, failed, created_at FROM scans ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []ScanSummary
	for rows.Next() {
		var sum ScanSummary
		var created string
		if err := rows.Scan(&sum.ScanID, &sum.Kind, &sum.Variants, &sum.Failed, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// LoadScan reads the per-variant rows of one scan in variant order.
func (s *Store) LoadScan(ctx context.Context, scanID string) ([]crm.VariantStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_index, pvalue, rho1, env_variance, kin_variance, noise_variance, error
		 FROM variant_stats WHERE scan_id = ? ORDER BY variant_index`,
		scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	var out []crm.VariantStat
	for rows.Next() {
		var st crm.VariantStat
		var pv, rho, env, kin, noise sql.NullFloat64
		if err := rows.Scan(&st.Index, &pv, &rho, &env, &kin, &noise, &st.Err); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		st.Pvalue = fromNull(pv)
		st.Rho1 = fromNull(rho)
		st.EnvVariance = fromNull(env)
		st.KinVariance = fromNull(kin)
		st.NoiseVariance = fromNull(noise)
		out = append(out, st)
	}
	return out, rows.Err()
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
