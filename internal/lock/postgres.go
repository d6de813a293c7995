package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres uses session level advisory locks. Each lease pins one pooled
// connection until it is released, since the lock belongs to that session.
// DB must not be the pool the refresh itself reads and writes through.
type Postgres struct {
	DB           *sql.DB
	PollInterval time.Duration
}

// OpenPostgres opens a pool reserved for lock sessions, holding at most
// maxConns leases at once.
func OpenPostgres(dsn string, maxConns int) (*Postgres, error) {
	if maxConns <= 0 {
		maxConns = 1
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{DB: db}, nil
}

func (p *Postgres) Close() error { return p.DB.Close() }

func (p *Postgres) TryAcquire(ctx context.Context, key string, timeout time.Duration) (Lease, error) {
	var conn *sql.Conn
	id := advisoryKey(key)
	err := poll(ctx, timeout, p.PollInterval, func(ctx context.Context) (bool, error) {
		if conn == nil {
			c, err := p.DB.Conn(ctx)
			if err != nil {
				return false, fmt.Errorf("advisory lock conn: %w", err)
			}
			conn = c
		}
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
			return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, err
	}
	return &pgLease{conn: conn, id: id}, nil
}

type pgLease struct {
	conn *sql.Conn
	id   int64
}

func (l *pgLease) Release(ctx context.Context) error {
	defer l.conn.Close()
	var released bool
	if err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id).Scan(&released); err != nil {
		// Closing the session drops its advisory locks anyway; make sure the
		// connection is not recycled with the lock still held.
		_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	if !released {
		return ErrLeaseLost
	}
	return nil
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
