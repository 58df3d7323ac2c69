package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, username, email, pwd_hash)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.Username, u.Email, u.PasswordHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", u.Username, errs.ErrAlreadyExists)
	}
	return err
}

// GetByUsername selects a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `
SELECT id, username, email, pwd_hash, created_at
FROM users WHERE username=$1`
	var u model.User
	err := r.db.Pool.QueryRow(ctx, q, username).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// PasswordHash selects only the stored hash of a user.
func (r *UserRepo) PasswordHash(ctx context.Context, username string) (string, error) {
	const q = `SELECT pwd_hash FROM users WHERE username=$1`
	var h string
	if err := r.db.Pool.QueryRow(ctx, q, username).Scan(&h); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return h, nil
}

// UpdateAccount locks the user row, applies the non-nil fields and returns
// the previous row. Owner references follow a username change by cascade.
func (r *UserRepo) UpdateAccount(
	ctx context.Context, username string, upd model.AccountUpdate,
) (prev *model.User, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT id, username, email, pwd_hash, created_at FROM users WHERE username=$1 FOR UPDATE`
	const upq = `
UPDATE users
SET username=COALESCE($2, username), email=COALESCE($3, email), pwd_hash=COALESCE($4, pwd_hash)
WHERE id=$1`

	var u model.User
	if err = tx.QueryRow(ctx, sel, username).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if _, err = tx.Exec(ctx, upq, u.ID, upd.Username, upd.Email, upd.PasswordHash); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("account %q: %w", username, errs.ErrAlreadyExists)
		}
		return nil, err
	}
	return &u, nil
}
