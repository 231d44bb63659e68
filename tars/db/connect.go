// Package db opens the embedded libsql database that backs the conversation log.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
)

// Options holds configuration for embedded libsql connections.
type Options struct {
	Path           string // path to the .db file, optionally prefixed with file:
	MaxOpenConns   int
	MaxIdleConns   int
	ConnMaxIdleSec int
	ConnMaxLifeSec int
	JournalMode    string
	SyncMode       string
	BusyTimeoutMs  int
}

// OptionsFromConfig maps the database section of the application config.
func OptionsFromConfig(cfg config.DatabaseConfig) Options {
	return Options{
		Path:           cfg.DSN,
		MaxOpenConns:   cfg.MaxOpenConns,
		MaxIdleConns:   cfg.MaxIdleConns,
		ConnMaxIdleSec: cfg.ConnMaxIdleSec,
		ConnMaxLifeSec: cfg.ConnMaxLifeSec,
		JournalMode:    cfg.JournalMode,
		SyncMode:       cfg.SyncMode,
		BusyTimeoutMs:  cfg.BusyTimeoutMs,
	}
}

// Capabilities reports which vector functions the linked libsql build exposes.
type Capabilities struct {
	Vector32          bool
	VectorDistanceCos bool
}

// VectorSearch reports whether similarity can be computed in SQL.
func (c Capabilities) VectorSearch() bool { return c.Vector32 && c.VectorDistanceCos }

// Open creates the database file when needed, applies PRAGMAs and pooling,
// and probes vector support. Migrations are applied separately by Migrate.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*sql.DB, Capabilities, error) {
	path := strings.TrimPrefix(opts.Path, "file:")
	if path == "" {
		return nil, Capabilities{}, fmt.Errorf("database path is empty")
	}

	// Ensure database directory exists for embedded mode
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Capabilities{}, fmt.Errorf("could not create database directory %s: %w", dir, err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info().Str("path", path).Msg("Database not found, creating a new one")
		file, err := os.Create(path)
		if err != nil {
			return nil, Capabilities{}, fmt.Errorf("could not create db at path %s: %w", path, err)
		}
		_ = file.Close()
	}

	dsn := "file:" + path
	logger.Debug().Str("dsn", dsn).Msg("Connecting to embedded libsql")

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, Capabilities{}, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	if err := ping(ctx, conn); err != nil {
		conn.Close()
		return nil, Capabilities{}, err
	}
	if err := configurePragmas(ctx, conn, opts); err != nil {
		conn.Close()
		return nil, Capabilities{}, fmt.Errorf("failed to configure PRAGMA settings: %w", err)
	}
	configurePooling(conn, opts, logger)

	caps := probeVector(ctx, conn, logger)
	return conn, caps, nil
}

func ping(ctx context.Context, conn *sql.DB) error {
	var result int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}

// probeVector checks the libsql vector functions without failing when absent.
func probeVector(ctx context.Context, conn *sql.DB, logger zerolog.Logger) Capabilities {
	var caps Capabilities
	probes := []struct {
		query string
		flag  *bool
	}{
		{"SELECT typeof(vector32('[1,2,3]'))", &caps.Vector32},
		{"SELECT typeof(vector_distance_cos(vector32('[1,2,3]'), vector32('[1,2,3]')))", &caps.VectorDistanceCos},
	}
	for _, p := range probes {
		var vtype string
		if err := conn.QueryRowContext(ctx, p.query).Scan(&vtype); err != nil {
			logger.Debug().Err(err).Str("query", p.query).Msg("Vector function not available")
			continue
		}
		*p.flag = true
	}
	logger.Info().Bool("vector32", caps.Vector32).Bool("vector_distance_cos", caps.VectorDistanceCos).Msg("libsql vector capabilities")
	return caps
}

func configurePragmas(ctx context.Context, conn *sql.DB, opts Options) error {
	settings := []struct {
		name  string
		value string
	}{
		{"journal_mode", opts.JournalMode},
		{"synchronous", opts.SyncMode},
		{"temp_store", "MEMORY"},
	}
	if opts.BusyTimeoutMs > 0 {
		settings = append(settings, struct {
			name  string
			value string
		}{"busy_timeout", strconv.Itoa(opts.BusyTimeoutMs)})
	}

	for _, setting := range settings {
		if setting.value == "" {
			continue
		}
		query := fmt.Sprintf("PRAGMA %s = %s", setting.name, setting.value)
		if _, err := conn.ExecContext(ctx, query); err != nil {
			// Some PRAGMA statements return rows and must go through Query.
			if !strings.Contains(err.Error(), "returned rows") {
				return fmt.Errorf("failed to set %s: %w", setting.name, err)
			}
			rows, qerr := conn.QueryContext(ctx, query)
			if qerr != nil {
				return fmt.Errorf("failed to set %s: %w", setting.name, qerr)
			}
			rows.Close()
		}
	}
	return nil
}

func configurePooling(conn *sql.DB, opts Options, logger zerolog.Logger) {
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	conn.SetMaxOpenConns(maxOpen)

	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	conn.SetMaxIdleConns(maxIdle)

	idleTime := time.Duration(opts.ConnMaxIdleSec) * time.Second
	if idleTime <= 0 {
		idleTime = 5 * time.Minute
	}
	conn.SetConnMaxIdleTime(idleTime)

	lifeTime := time.Duration(opts.ConnMaxLifeSec) * time.Second
	if lifeTime <= 0 {
		lifeTime = time.Hour
	}
	conn.SetConnMaxLifetime(lifeTime)

	logger.Debug().
		Int("max_open", maxOpen).
		Int("max_idle", maxIdle).
		Dur("max_idle_time", idleTime).
		Dur("max_lifetime", lifeTime).
		Msg("Connection pool configured")
}

// EmbeddingDims introspects the F32_BLOB size declared on a log table.
func EmbeddingDims(ctx context.Context, conn *sql.DB, table string) int {
	var sqlText string
	_ = conn.QueryRowContext(ctx, "SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&sqlText)
	low := strings.ToLower(sqlText)
	idx := strings.Index(low, "f32_blob(")
	if idx < 0 {
		return 0
	}
	rest := low[idx+len("f32_blob("):]
	end := strings.Index(rest, ")")
	if end <= 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
