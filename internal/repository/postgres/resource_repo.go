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

// ResourceRepo implements ResourceRepository over the places and sensors tables.
type ResourceRepo struct{ db *DB }

// NewResourceRepo constructs a resource owner lookup.
func NewResourceRepo(db *DB) *ResourceRepo { return &ResourceRepo{db: db} }

// ResourceOwner returns the username owning res.
func (r *ResourceRepo) ResourceOwner(ctx context.Context, res model.Resource) (string, error) {
	var (
		q   string
		arg any
	)
	switch res.Kind {
	case model.ResourcePlace:
		id, err := uuid.FromString(res.ID)
		if err != nil {
			return "", fmt.Errorf("place %q: %w", res.ID, errs.ErrNotFound)
		}
		q, arg = `SELECT owner_username FROM places WHERE id=$1`, id
	case model.ResourceSensor:
		q, arg = `SELECT owner_username FROM sensors WHERE device_id=$1`, res.ID
	default:
		return "", fmt.Errorf("%w: resource kind %q", errs.ErrMalformedInput, res.Kind)
	}

	var owner string
	if err := r.db.Pool.QueryRow(ctx, q, arg).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return owner, nil
}
