/**
 * @description
 * This file provides the PostgreSQL implementation of the Repository interface.
 * Conditional writes are expressed as `UPDATE ... WHERE version = $n` checked
 * through RowsAffected, and the one-completed-intent-per-reference rule is
 * backed by a partial unique index, so replicas can race safely.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver (pgxpool, pgconn).
 * - internal/domain: For domain models and the error taxonomy.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/membership-service/internal/domain"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewPostgresRepository creates a new repository over the connection pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, db: pool}
}

// WithinTx runs fn inside a database transaction. Nested calls reuse the outer transaction.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyError("commit tx", err)
	}
	return nil
}

// classifyError maps driver errors onto the domain error taxonomy.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewError(domain.ErrNotFound, op, nil)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return domain.NewError(domain.ErrConflict, op, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03",
			pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300",
			strings.HasPrefix(pgErr.Code, "08"):
			return domain.NewError(domain.ErrTransientStore, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.ErrTransientStore, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.NewError(domain.ErrTransientStore, op, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return domain.NewError(domain.ErrTransientStore, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullableJSON(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
