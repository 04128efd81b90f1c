package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type DBDialect string

const (
	dialectSQLite   DBDialect = "sqlite"
	dialectPostgres DBDialect = "postgres"
)

const (
	envDatabaseURL = "GAME_DB_URL"
	envPoolSize    = "GAME_DB_POOL_SIZE"
)

// RetiredRecord is one leaderboard row.
type RetiredRecord struct {
	ID       string
	Name     string
	Score    int
	PlayTime time.Duration
}

// RecordsRepository is the durable leaderboard over either Postgres or
// SQLite. The dialect only shows in placeholder syntax and pool sizing.
type RecordsRepository struct {
	dialect DBDialect
	db      *sql.DB
}

// openRecordsFromEnv connects to the database named by GAME_DB_URL and
// brings the schema up to date. An unset URL disables persistence: the
// caller gets (nil, nil).
func openRecordsFromEnv() (*RecordsRepository, error) {
	dsn := strings.TrimSpace(os.Getenv(envDatabaseURL))
	if dsn == "" {
		return nil, nil
	}

	poolSize := runtime.NumCPU()
	if raw := strings.TrimSpace(os.Getenv(envPoolSize)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s %q", envPoolSize, raw)
		}
		poolSize = n
	}

	var dialect DBDialect
	var driverName, connString string
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		dialect = dialectPostgres
		driverName = "pgx"
		connString = dsn
	default:
		dialect = dialectSQLite
		driverName = "sqlite"
		path := strings.TrimPrefix(dsn, "sqlite://")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		connString = path
		// modernc sqlite corrupts under concurrent writers.
		poolSize = 1
	}

	db, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	repo := &RecordsRepository{dialect: dialect, db: db}
	if err := repo.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *RecordsRepository) Close() error { return r.db.Close() }

func (r *RecordsRepository) bind(pos int) string {
	if r.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (r *RecordsRepository) insertQuery(table string, cols []string) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = r.bind(i + 1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.Join(ph, ", "),
	)
}

func (r *RecordsRepository) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	pattern := fmt.Sprintf("migrations/%s/*.sql", r.dialect)
	files, err := fs.Glob(migrationFS, pattern)
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := r.insertQuery("schema_migrations", []string{"version", "applied_at"})
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// AddRecord inserts one retirement under a fresh UUID.
func (r *RecordsRepository) AddRecord(ctx context.Context, name string, score int, playTime time.Duration) error {
	q := r.insertQuery("retired_players", []string{"id", "name", "score", "play_time_ms"})
	if _, err := r.db.ExecContext(ctx, q, uuid.NewString(), name, score, playTime.Milliseconds()); err != nil {
		return fmt.Errorf("insert retired player: %w", err)
	}
	return nil
}

// GetRecords returns limit rows from offset start in canonical leaderboard
// order: best score first, shorter careers and earlier names breaking ties.
func (r *RecordsRepository) GetRecords(ctx context.Context, start, limit int) ([]RetiredRecord, error) {
	var opts *sql.TxOptions
	if r.dialect == dialectPostgres {
		opts = &sql.TxOptions{ReadOnly: true}
	}
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin records tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(
		"SELECT id, name, score, play_time_ms FROM retired_players ORDER BY score DESC, play_time_ms ASC, name ASC LIMIT %s OFFSET %s",
		r.bind(1), r.bind(2),
	)
	rows, err := tx.QueryContext(ctx, q, limit, start)
	if err != nil {
		return nil, fmt.Errorf("query retired players: %w", err)
	}

	records := []RetiredRecord{}
	for rows.Next() {
		var rec RetiredRecord
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Score, &ms); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan retired player: %w", err)
		}
		rec.PlayTime = time.Duration(ms) * time.Millisecond
		records = append(records, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate retired players: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit records tx: %w", err)
	}
	return records, nil
}
