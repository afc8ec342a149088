package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed Driver implementation. Every statement runs
// under the configured timeout; expiry maps to TimeoutError.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres creates a connection pool and verifies it with a ping.
func NewPostgres(ctx context.Context, connectionString string, timeout time.Duration) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{pool: pool, timeout: timeout}, nil
}

func (p *Postgres) Query(ctx context.Context, sql string) (*RowSet, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.pool.Query(qctx, sql)
	if err != nil {
		return nil, p.classify(qctx, sql, err)
	}
	rs, err := collectRows(rows)
	if err != nil {
		return nil, p.classify(qctx, sql, err)
	}
	return rs, nil
}

func (p *Postgres) QueryReadOnly(ctx context.Context, sql string) (*RowSet, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.pool.BeginTx(qctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, p.classify(qctx, sql, err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(qctx, sql)
	if err != nil {
		return nil, p.classify(qctx, sql, err)
	}
	rs, err := collectRows(rows)
	if err != nil {
		return nil, p.classify(qctx, sql, err)
	}
	if err := tx.Commit(qctx); err != nil {
		return nil, p.classify(qctx, sql, err)
	}
	return rs, nil
}

func (p *Postgres) Acquire(ctx context.Context) (Session, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &pgSession{conn: conn, timeout: p.timeout}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return ErrNotConnected
	}
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
}

func (p *Postgres) classify(ctx context.Context, sql string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Statement: sql, Timeout: p.timeout}
	}
	return &ExecutionError{Statement: sql, Err: err}
}

// pgSession pins one pooled connection.
type pgSession struct {
	conn    *pgxpool.Conn
	timeout time.Duration
}

func (s *pgSession) Query(ctx context.Context, sql string) (*RowSet, error) {
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.conn.Query(qctx, sql)
	if err != nil {
		return nil, classifySession(qctx, sql, s.timeout, err)
	}
	rs, err := collectRows(rows)
	if err != nil {
		return nil, classifySession(qctx, sql, s.timeout, err)
	}
	return rs, nil
}

func (s *pgSession) Release() {
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
}

func classifySession(ctx context.Context, sql string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Statement: sql, Timeout: timeout}
	}
	return &ExecutionError{Statement: sql, Err: err}
}

func collectRows(rows pgx.Rows) (*RowSet, error) {
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = string(fd.Name)
	}

	rs := &RowSet{Columns: cols}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]any, len(values))
		copy(row, values)
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
