package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

// PlaceRepo implements PlaceRepository using PostgreSQL.
type PlaceRepo struct{ db *DB }

// NewPlaceRepo constructs a place repository.
func NewPlaceRepo(db *DB) *PlaceRepo { return &PlaceRepo{db: db} }

// CreatePlace inserts a place. Place names are unique per owner.
func (r *PlaceRepo) CreatePlace(ctx context.Context, p *model.Place) error {
	const q = `INSERT INTO places (id, owner_username, name) VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, p.ID, p.OwnerUsername, p.Name)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("place %q: %w", p.Name, errs.ErrAlreadyExists)
	case isForeignKeyViolation(err):
		return fmt.Errorf("owner %q: %w", p.OwnerUsername, errs.ErrNotFound)
	}
	return err
}

// GetPlace selects a place by id.
func (r *PlaceRepo) GetPlace(ctx context.Context, id uuid.UUID) (*model.Place, error) {
	const q = `SELECT id, owner_username, name, created_at FROM places WHERE id=$1`
	var p model.Place
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.OwnerUsername, &p.Name, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
