// Package postgres is the PostgreSQL-backed event store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/store"
	"github.com/lvonguyen/threatlens/internal/telemetry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLSTATE codes mapped to store errors.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	classDataException      = "22"
)

// Config holds connection settings. The DSN itself is read from the
// environment variable named by DSNEnv.
type Config struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DSNEnv:          "POSTGRES_DSN",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		MigrateOnStart:  true,
	}
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and, if configured, migrates the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN not found in env var: %s", cfg.DSNEnv)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := New(db, logger)
	if cfg.MigrateOnStart {
		if err := s.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing connection pool. The schema is assumed current.
func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Migrate applies all pending embedded migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := migratepg.WithInstance(s.db, &migratepg.Config{
		MigrationsTable: "threatlens_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	s.logger.Info("Schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// InsertEvent implements store.Store.
func (s *Store) InsertEvent(ctx context.Context, ev *telemetry.Event) (int64, error) {
	const q = `
		INSERT INTO events (event_timestamp, source, event_type, raw_data, anomaly_score, is_anomaly)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, q,
		ev.Timestamp, ev.Source, ev.EventType, ev.RawPayload, ev.AnomalyScore, ev.IsAnomalous,
	).Scan(&id)
	if err != nil {
		return 0, mapError("insert", store.TableEvents, err)
	}
	return id, nil
}

// InsertReview implements store.Store. Uniqueness and referential integrity
// are enforced by the schema, not by the application.
func (s *Store) InsertReview(ctx context.Context, eventID int64, rv *telemetry.Review) error {
	const q = `
		INSERT INTO threat_reviews (event_id, narrative, mitigation, confidence)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, q, eventID, rv.Narrative, rv.Mitigation, rv.Confidence)
	return mapError("insert", store.TableReviews, err)
}

// ListRecentReviewed implements store.Store.
func (s *Store) ListRecentReviewed(ctx context.Context, limit int) ([]telemetry.ReviewedEvent, error) {
	const q = `
		SELECT e.id, e.event_timestamp, e.source, e.event_type, e.raw_data,
		       e.anomaly_score, e.is_anomaly,
		       r.narrative, r.mitigation, r.confidence
		FROM events e
		INNER JOIN threat_reviews r ON r.event_id = e.id
		ORDER BY e.event_timestamp COLLATE "C" DESC, e.id DESC
		LIMIT $1`

	limit = max(limit, 0)
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, mapError("select", store.TableReviews, err)
	}
	defer rows.Close()

	out := make([]telemetry.ReviewedEvent, 0, limit)
	for rows.Next() {
		var re telemetry.ReviewedEvent
		if err := rows.Scan(
			&re.ID, &re.Timestamp, &re.Source, &re.EventType, &re.RawPayload,
			&re.AnomalyScore, &re.IsAnomalous,
			&re.Review.Narrative, &re.Review.Mitigation, &re.Review.Confidence,
		); err != nil {
			return nil, mapError("scan", store.TableReviews, err)
		}
		re.Review.EventID = re.ID
		out = append(out, re)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("select", store.TableReviews, err)
	}
	return out, nil
}

// ListRecentEvents implements store.Store.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
	const q = `
		SELECT id, event_timestamp, source, event_type, raw_data, anomaly_score, is_anomaly
		FROM events
		ORDER BY event_timestamp COLLATE "C" DESC, id DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, q, max(limit, 0))
	if err != nil {
		return nil, mapError("select", store.TableEvents, err)
	}
	defer rows.Close()

	var out []telemetry.Event
	for rows.Next() {
		var ev telemetry.Event
		if err := rows.Scan(
			&ev.ID, &ev.Timestamp, &ev.Source, &ev.EventType, &ev.RawPayload,
			&ev.AnomalyScore, &ev.IsAnomalous,
		); err != nil {
			return nil, mapError("scan", store.TableEvents, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("select", store.TableEvents, err)
	}
	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", "", s.db.PingContext(ctx))
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// mapError translates driver errors into store sentinels. Constraint
// violations and data exceptions keep their meaning; everything else is an
// availability failure.
func mapError(op, table string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return store.Wrap(op, table, fmt.Errorf("%w: %s", store.ErrDuplicateReview, pgErr.ConstraintName))
		case codeForeignKeyViolation:
			return store.Wrap(op, table, fmt.Errorf("%w: %s", store.ErrUnknownEvent, pgErr.ConstraintName))
		}
		// class 22: NUL bytes, bad encoding and other values the column rejects
		if strings.HasPrefix(pgErr.Code, classDataException) {
			return store.Wrap(op, table, fmt.Errorf("%w: %w", store.ErrUnstorable, err))
		}
	}
	return store.Wrap(op, table, fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err))
}
