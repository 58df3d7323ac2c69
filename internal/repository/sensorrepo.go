package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

// PlaceRepository stores places that group sensors.
type PlaceRepository interface {
	// CreatePlace inserts a place owned by p.OwnerUsername.
	CreatePlace(ctx context.Context, p *model.Place) error
	// GetPlace loads a place by id.
	GetPlace(ctx context.Context, id uuid.UUID) (*model.Place, error)
}

// SensorRepository stores registered devices and their public keys.
type SensorRepository interface {
	// RegisterSensor inserts a sensor. A taken device id yields errs.ErrAlreadyExists.
	RegisterSensor(ctx context.Context, s *model.Sensor) error
	// GetSensor loads a sensor by device id.
	GetSensor(ctx context.Context, deviceID string) (*model.Sensor, error)
	// PublicKey returns the registered public key (hex) of a device.
	PublicKey(ctx context.Context, deviceID string) (string, error)
}

// ResourceRepository resolves who owns a resource.
type ResourceRepository interface {
	// ResourceOwner returns the owning username, or errs.ErrNotFound.
	ResourceOwner(ctx context.Context, r model.Resource) (string, error)
}
