// Package conf
package conf

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds a database connection and metadata
type Config struct {
	Driver  string
	DSN     string
	DB      *sql.DB
	AdminDB *sql.DB
	Name    string
}

// NewConfig opens and pings a database. sqlite connections are limited to a
// single writer.
func NewConfig(ctx context.Context, driver, dsn string) (*Config, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported index driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", driver, err)
	}
	return &Config{Driver: driver, DSN: dsn, DB: db}, nil
}

// NewTestConfig creates a throwaway database for driver and returns it with
// a cleanup function. sqlite databases live in t.TempDir; postgres tests are
// skipped when no local server is reachable.
func NewTestConfig(t *testing.T, driver string) (*Config, func()) {
	t.Helper()

	if driver != DriverPostgres {
		dsn := filepath.Join(t.TempDir(), "order_index.db")
		c, err := NewConfig(context.Background(), DriverSQLite, dsn)
		if err != nil {
			t.Fatalf("Failed to open sqlite: %v", err)
		}
		return c, func() { c.DB.Close() }
	}

	const (
		// Default connection parameters for test database
		testHost     = "localhost"
		testPort     = 5432
		testUser     = "postgres"
		testPassword = "postgres"
	)

	adminConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		testHost, testPort, testUser, testPassword)

	adminDB, err := sql.Open(DriverPostgres, adminConnStr)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}

	// Check if PostgreSQL is running
	if err := adminDB.Ping(); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
		return nil, func() {}
	}

	// Generate random database name to avoid conflicts
	dbName := fmt.Sprintf("test_db_%d", rand.Int31())
	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		adminDB.Close()
		t.Fatalf("Failed to create test database: %v", err)
	}

	dbConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		testHost, testPort, testUser, testPassword, dbName)

	db, err := sql.Open(DriverPostgres, dbConnStr)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	c := &Config{
		Driver:  DriverPostgres,
		DSN:     dbConnStr,
		DB:      db,
		AdminDB: adminDB,
		Name:    dbName,
	}

	cleanup := func() {
		db.Close()

		// Drop the test database
		if _, err := adminDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName)); err != nil {
			t.Logf("Warning: Failed to drop test database %s: %v", dbName, err)
		}
		adminDB.Close()
	}
	return c, cleanup
}
