package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"

	// sqlitePoolSize lets WAL readers and the single writer proceed in
	// parallel; busy_timeout queues writers inside SQLite.
	sqlitePoolSize = 4
)

type Database struct {
	Conn    *sql.DB
	Driver  string
	Builder sq.StatementBuilderType
}

// NewDatabase opens a pooled handle for driver ("pgx" or "sqlite") and
// verifies it with a ping. The handle is shared by every connection task.
func NewDatabase(driver, dsn string) (*Database, error) {
	var builder sq.StatementBuilderType
	switch driver {
	case DriverPostgres:
		builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	case DriverSQLite:
		builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	switch {
	case driver == DriverSQLite && dsn == ":memory:":
		// Every connection would open its own empty in-memory database.
		conn.SetMaxOpenConns(1)
	case driver == DriverSQLite:
		conn.SetMaxOpenConns(sqlitePoolSize)
		conn.SetMaxIdleConns(sqlitePoolSize)
	default:
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(25)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}
	return &Database{Conn: conn, Driver: driver, Builder: builder}, nil
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" {
		return dsn
	}
	return "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (d *Database) AutoMigrate() error {
	queries := postgresSchema
	if d.Driver == DriverSQLite {
		queries = sqliteSchema
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(128) UNIQUE NOT NULL,
            password_hash VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
            id BIGSERIAL PRIMARY KEY,
            sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            receiver_id BIGINT NOT NULL,
            content TEXT NOT NULL,
            timestamp TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            username VARCHAR(128) UNIQUE NOT NULL,
            password_hash VARCHAR(255) NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            sender_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            receiver_id INTEGER NOT NULL,
            content TEXT NOT NULL,
            timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
}
