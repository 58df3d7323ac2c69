package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"

	"github.com/juancabe/sensor-proyect-sub000/internal/audit"
	"github.com/juancabe/sensor-proyect-sub000/internal/auth"
	pkgcrypto "github.com/juancabe/sensor-proyect-sub000/internal/crypto"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
	"github.com/juancabe/sensor-proyect-sub000/internal/repository"
)

const maxPlaceName = 64

// SensorService defines operations on owned places and sensors.
type SensorService interface {
	// CreatePlace creates a place owned by the calling user.
	CreatePlace(ctx context.Context, p model.Principal, name string) (model.Place, error)
	// RegisterSensor adds a device to a place the caller owns.
	RegisterSensor(ctx context.Context, p model.Principal, placeID, deviceID, publicKeyHex string) (model.Sensor, error)
	// GetSensor returns a sensor the caller owns, or the device itself.
	GetSensor(ctx context.Context, p model.Principal, deviceID string) (model.Sensor, error)
}

// SensorServiceImpl implements SensorService.
type SensorServiceImpl struct {
	core    *auth.Core
	places  repository.PlaceRepository
	sensors repository.SensorRepository
	audit   audit.Recorder
}

// NewSensorService constructs SensorService.
func NewSensorService(core *auth.Core, places repository.PlaceRepository, sensors repository.SensorRepository, rec audit.Recorder) *SensorServiceImpl {
	if rec == nil {
		rec = audit.NewSink(nil, nil)
	}
	return &SensorServiceImpl{core: core, places: places, sensors: sensors, audit: rec}
}

func requireHuman(p model.Principal) error {
	if p.Kind != model.PrincipalHuman || p.ID == "" {
		return fmt.Errorf("%w: user principal required", errs.ErrUnauthorized)
	}
	return nil
}

// CreatePlace validates name and inserts the place.
func (s *SensorServiceImpl) CreatePlace(ctx context.Context, p model.Principal, name string) (pl model.Place, err error) {
	defer func() { s.audit.Record(audit.Event{Action: audit.ActionPlaceCreate, Principal: p, Err: err}) }()

	if err := requireHuman(p); err != nil {
		return model.Place{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxPlaceName {
		return model.Place{}, fmt.Errorf("%w: place name must be 1..%d characters", errs.ErrMalformedInput, maxPlaceName)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Place{}, fmt.Errorf("%w: %w", errs.ErrInternal, err)
	}
	pl = model.Place{ID: id, OwnerUsername: p.ID, Name: name, CreatedAt: time.Now().UTC()}
	if err := s.places.CreatePlace(ctx, &pl); err != nil {
		return model.Place{}, err
	}
	return pl, nil
}

// RegisterSensor checks ownership of the place and stores the device with
// its public key.
func (s *SensorServiceImpl) RegisterSensor(
	ctx context.Context, p model.Principal, placeID, deviceID, publicKeyHex string,
) (sn model.Sensor, err error) {
	defer func() { s.audit.Record(audit.Event{Action: audit.ActionSensorRegister, Principal: p, Err: err}) }()

	if err := requireHuman(p); err != nil {
		return model.Sensor{}, err
	}
	if err := validateDeviceID(deviceID); err != nil {
		return model.Sensor{}, err
	}
	publicKeyHex = strings.ToLower(publicKeyHex)
	if !pkgcrypto.ValidPublicKeyHex(publicKeyHex) {
		return model.Sensor{}, fmt.Errorf("%w: public key must be %d hex chars", errs.ErrMalformedInput, pkgcrypto.PublicKeyHexLen)
	}
	pid, err := uuid.FromString(placeID)
	if err != nil {
		return model.Sensor{}, fmt.Errorf("%w: place id", errs.ErrMalformedInput)
	}
	if err := s.core.Authorize(ctx, p, model.Resource{Kind: model.ResourcePlace, ID: pid.String()}); err != nil {
		return model.Sensor{}, err
	}

	sn = model.Sensor{
		DeviceID:      deviceID,
		OwnerUsername: p.ID,
		PlaceID:       pid,
		PublicKeyHex:  publicKeyHex,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.sensors.RegisterSensor(ctx, &sn); err != nil {
		return model.Sensor{}, err
	}
	return sn, nil
}

// GetSensor authorizes p on the sensor and loads it.
func (s *SensorServiceImpl) GetSensor(ctx context.Context, p model.Principal, deviceID string) (model.Sensor, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return model.Sensor{}, err
	}
	if err := s.core.Authorize(ctx, p, model.Resource{Kind: model.ResourceSensor, ID: deviceID}); err != nil {
		return model.Sensor{}, err
	}
	sn, err := s.sensors.GetSensor(ctx, deviceID)
	if err != nil {
		return model.Sensor{}, err
	}
	return *sn, nil
}
