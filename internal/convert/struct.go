// Package convert maps between google.protobuf.Struct wire messages and
// domain values.
package convert

import (
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

// --- helpers ---

func str(s string) *structpb.Value { return structpb.NewStringValue(s) }

func ts(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewNullValue()
	}
	return str(t.UTC().Format(time.RFC3339))
}

func message(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

// Empty returns a message with no fields.
func Empty() *structpb.Struct { return message(map[string]*structpb.Value{}) }

// --- request fields ---

// OptString returns the string field key, or nil when it is absent or null.
func OptString(in *structpb.Struct, key string) (*string, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return nil, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_StringValue:
		s := k.StringValue
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: field %q must be a string", errs.ErrMalformedInput, key)
	}
}

// String returns the required string field key.
func String(in *structpb.Struct, key string) (string, error) {
	s, err := OptString(in, key)
	if err != nil {
		return "", err
	}
	if s == nil || *s == "" {
		return "", fmt.Errorf("%w: missing field %q", errs.ErrMalformedInput, key)
	}
	return *s, nil
}

// Hex returns the required hex-encoded field key, decoded.
func Hex(in *structpb.Struct, key string) ([]byte, error) {
	s, err := String(in, key)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q is not hex", errs.ErrMalformedInput, key)
	}
	return b, nil
}

// --- responses ---

// FromSession renders an issued token and its expiry.
func FromSession(s model.Session) *structpb.Struct {
	return message(map[string]*structpb.Value{
		"token":      str(s.Token),
		"token_id":   str(s.Claims.TokenID),
		"subject":    str(s.Claims.Subject),
		"kind":       str(string(s.Claims.Kind)),
		"expires_at": ts(s.ExpiresAt()),
	})
}

// FromClaims renders verified claims. The token itself is not echoed.
func FromClaims(c model.Claims) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"token_id":   str(c.TokenID),
		"subject":    str(c.Subject),
		"kind":       str(string(c.Kind)),
		"issued_at":  ts(time.Unix(c.IssuedAt, 0)),
		"expires_at": ts(time.Unix(c.ExpiresAt, 0)),
	}
	if c.Email != "" {
		fields["email"] = str(c.Email)
	}
	return message(fields)
}

// FromUser renders the public fields of an account; the password hash is never sent.
func FromUser(u model.User) *structpb.Struct {
	return message(map[string]*structpb.Value{
		"id":         str(u.ID.String()),
		"username":   str(u.Username),
		"email":      str(u.Email),
		"created_at": ts(u.CreatedAt),
	})
}

// FromChallenge renders a pending device challenge.
func FromChallenge(deviceID string, nonce []byte, expires time.Time) *structpb.Struct {
	return message(map[string]*structpb.Value{
		"device_id":  str(deviceID),
		"nonce":      str(hex.EncodeToString(nonce)),
		"expires_at": ts(expires),
	})
}

// FromPlace renders a place.
func FromPlace(p model.Place) *structpb.Struct {
	return message(map[string]*structpb.Value{
		"id":         str(p.ID.String()),
		"owner":      str(p.OwnerUsername),
		"name":       str(p.Name),
		"created_at": ts(p.CreatedAt),
	})
}

// FromSensor renders a registered sensor.
func FromSensor(s model.Sensor) *structpb.Struct {
	return message(map[string]*structpb.Value{
		"device_id":  str(s.DeviceID),
		"owner":      str(s.OwnerUsername),
		"place_id":   str(s.PlaceID.String()),
		"public_key": str(s.PublicKeyHex),
		"created_at": ts(s.CreatedAt),
	})
}
