// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

// UserRepository provides access to user accounts.
type UserRepository interface {
	// Create inserts a new user. Duplicate username or email yields errs.ErrAlreadyExists.
	Create(ctx context.Context, u *model.User) error
	// GetByUsername loads a user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// PasswordHash returns the stored hash for username, or errs.ErrNotFound.
	PasswordHash(ctx context.Context, username string) (string, error)
	// UpdateAccount applies the non-nil fields of upd and returns the row as it
	// was before the change.
	UpdateAccount(ctx context.Context, username string, upd model.AccountUpdate) (*model.User, error)
}
