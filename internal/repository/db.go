package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
	// Memory keeps everything in process. Nothing survives a restart.
	Memory Dialect = "memory"
)

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(s)) {
	case Postgres, "postgresql", "pq":
		return Postgres, nil
	case SQLite, "sqlite3":
		return SQLite, nil
	case Memory:
		return Memory, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// Store is everything a process persists.
type Store interface {
	interfaces.LedgerStore
	interfaces.CheckpointStore
	interfaces.OutboxStore
}

// OpenStore connects to dsn, brings the schema up to date and returns the
// store with the func that releases it.
func OpenStore(ctx context.Context, dialect Dialect, dsn string) (Store, func() error, error) {
	if dialect == Memory {
		return NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := Open(ctx, dialect, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, nil, err
	}
	return NewSQLStore(db, dialect), db.Close, nil
}

// Open connects to the database and verifies the connection.
// SQLite gets a single connection so transactions run one at a time.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	if dialect == Memory {
		return nil, fmt.Errorf("%s driver has no database connection", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	switch dialect {
	case SQLite:
		db.SetMaxOpenConns(1)
	case Postgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	return db, nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) lockClause() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}
