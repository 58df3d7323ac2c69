package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

// SensorRepo implements SensorRepository using PostgreSQL.
type SensorRepo struct{ db *DB }

// NewSensorRepo constructs a sensor repository.
func NewSensorRepo(db *DB) *SensorRepo { return &SensorRepo{db: db} }

// RegisterSensor inserts a sensor row.
func (r *SensorRepo) RegisterSensor(ctx context.Context, s *model.Sensor) error {
	const q = `
INSERT INTO sensors (device_id, owner_username, place_id, public_key_hex)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, s.DeviceID, s.OwnerUsername, s.PlaceID, s.PublicKeyHex)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("sensor %q: %w", s.DeviceID, errs.ErrAlreadyExists)
	case isForeignKeyViolation(err):
		return fmt.Errorf("place %s: %w", s.PlaceID, errs.ErrNotFound)
	}
	return err
}

// GetSensor selects a sensor by device id.
func (r *SensorRepo) GetSensor(ctx context.Context, deviceID string) (*model.Sensor, error) {
	const q = `
SELECT device_id, owner_username, place_id, public_key_hex, created_at
FROM sensors WHERE device_id=$1`
	var s model.Sensor
	err := r.db.Pool.QueryRow(ctx, q, deviceID).Scan(&s.DeviceID, &s.OwnerUsername, &s.PlaceID, &s.PublicKeyHex, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// PublicKey selects only the public key of a device.
func (r *SensorRepo) PublicKey(ctx context.Context, deviceID string) (string, error) {
	const q = `SELECT public_key_hex FROM sensors WHERE device_id=$1`
	var k string
	if err := r.db.Pool.QueryRow(ctx, q, deviceID).Scan(&k); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return k, nil
}
