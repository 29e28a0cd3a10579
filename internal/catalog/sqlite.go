// SPDX-License-Identifier: MIT

package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// DBConfig holds the SQLite operational parameters for the catalog.
type DBConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultDBConfig suits the master's workload: one writer, a few
// concurrent REST readers.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 10,
	}
}

// openDB opens the catalog database with the pragmas applied to every
// pooled connection. WAL keeps readers off the writer's back;
// busy_timeout avoids spurious "database is locked" failures.
func openDB(path string, cfg DBConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: ping database: %w", err)
	}
	return db, nil
}

// VerifyIntegrity checks the catalog file for structural corruption.
// Mode "quick" runs PRAGMA quick_check, "full" runs integrity_check.
// It returns the diagnostic rows when the database is unhealthy, or
// nil when everything checks out.
func VerifyIntegrity(path string, mode string) ([]string, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open for verification: %w", err)
	}
	defer func() { _ = db.Close() }()

	pragma := "PRAGMA quick_check;"
	if mode == "full" {
		pragma = "PRAGMA integrity_check;"
	}

	rows, err := db.Query(pragma)
	if err != nil {
		return nil, fmt.Errorf("catalog: integrity pragma: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("catalog: scan integrity row: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: read integrity rows: %w", err)
	}

	// healthy is exactly one row saying "ok"
	if len(results) == 1 && strings.EqualFold(results[0], "ok") {
		return nil, nil
	}
	if len(results) == 0 {
		return []string{"no results returned from integrity check"}, nil
	}
	return results, nil
}
