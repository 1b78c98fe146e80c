package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tryAdvisoryLockQuery = `SELECT pg_try_advisory_lock($1)`
	advisoryUnlockQuery  = `SELECT pg_advisory_unlock($1)`
)

// lockConn is the dedicated connection a session lock lives on
type lockConn interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Release()
	Discard(ctx context.Context)
}

type poolConn struct {
	*pgxpool.Conn
}

// Discard closes the underlying connection so the pool drops it together with any lock it holds
func (c poolConn) Discard(ctx context.Context) {
	_ = c.Conn.Conn().Close(ctx)
	c.Conn.Release()
}

// AdvisoryLock serializes work across processes sharing one database.
// The lock is tied to a pooled connection held until release.
type AdvisoryLock struct {
	key     int64
	logger  *slog.Logger
	acquire func(ctx context.Context) (lockConn, error)
}

// TryAcquire takes the lock without waiting. When acquired is false another session holds it.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (release func(), acquired bool, err error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	if err := conn.QueryRow(ctx, tryAdvisoryLockQuery, l.key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take advisory lock %d: %w", l.key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := conn.Exec(unlockCtx, advisoryUnlockQuery, l.key); err != nil {
			l.logger.Error("Failed to release advisory lock, discarding connection", "key", l.key, "error", err)
			conn.Discard(unlockCtx)
			return
		}
		conn.Release()
	}
	return release, true, nil
}
