// Package grpcserver exposes the sensor auth gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/juancabe/sensor-proyect-sub000/internal/convert"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/service"
)

// Server wires services into gRPC handlers.
type Server struct {
	auth    service.AuthService
	sensors service.SensorService
	log     *zap.Logger
}

var _ AuthServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, sensors service.SensorService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, sensors: sensors, log: log}
}

// toStatus maps a domain error to a gRPC status. Clients only learn the
// kind of failure; internal causes are logged.
func toStatus(log *zap.Logger, err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidCredential):
		return status.Error(codes.Unauthenticated, "invalid credential")
	case errors.Is(err, errs.ErrExpired):
		return status.Error(codes.Unauthenticated, "token expired")
	case errors.Is(err, errs.ErrRevoked):
		return status.Error(codes.Unauthenticated, "token revoked")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, "not allowed")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrMalformedInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		log.Error("internal error", zap.Error(err))
		return status.Error(codes.Internal, "internal")
	}
}

func (s *Server) fail(err error) error { return toStatus(s.log, err) }

func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

var errNoAuth = status.Error(codes.Unauthenticated, "no auth")

// --- Accounts ---

// Register creates a new user account.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username, err := convert.String(req, "username")
	if err != nil {
		return nil, s.fail(err)
	}
	email, err := convert.String(req, "email")
	if err != nil {
		return nil, s.fail(err)
	}
	password, err := convert.String(req, "password")
	if err != nil {
		return nil, s.fail(err)
	}
	u, err := s.auth.Register(ctx, username, email, password)
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromUser(u), nil
}

// Login authenticates a user by password and returns a session token.
func (s *Server) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username, err := convert.String(req, "username")
	if err != nil {
		return nil, s.fail(err)
	}
	password, err := convert.String(req, "password")
	if err != nil {
		return nil, s.fail(err)
	}
	sess, err := s.auth.Login(ctx, username, password, remoteIP(ctx))
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromSession(sess), nil
}

// UpdateAccount changes username, email or password of the caller.
func (s *Server) UpdateAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := ClaimsFromCtx(ctx)
	if !ok {
		return nil, errNoAuth
	}
	var ch service.AccountChange
	var err error
	if ch.Username, err = convert.OptString(req, "username"); err != nil {
		return nil, s.fail(err)
	}
	if ch.Email, err = convert.OptString(req, "email"); err != nil {
		return nil, s.fail(err)
	}
	if ch.Password, err = convert.OptString(req, "password"); err != nil {
		return nil, s.fail(err)
	}
	sess, err := s.auth.UpdateAccount(ctx, claims, ch)
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromSession(sess), nil
}

// --- Devices ---

// RequestChallenge issues a one-time nonce for a device.
func (s *Server) RequestChallenge(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := convert.String(req, "device_id")
	if err != nil {
		return nil, s.fail(err)
	}
	ch, err := s.auth.RequestChallenge(ctx, deviceID)
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromChallenge(ch.DeviceID, ch.Nonce, ch.ExpiresAt), nil
}

// DeviceLogin exchanges a signed nonce for a session token.
func (s *Server) DeviceLogin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := convert.String(req, "device_id")
	if err != nil {
		return nil, s.fail(err)
	}
	nonce, err := convert.Hex(req, "nonce")
	if err != nil {
		return nil, s.fail(err)
	}
	sig, err := convert.String(req, "signature")
	if err != nil {
		return nil, s.fail(err)
	}
	sess, err := s.auth.DeviceLogin(ctx, deviceID, nonce, sig, remoteIP(ctx))
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromSession(sess), nil
}

// --- Sessions ---

// Renew returns a fresh token and revokes the presented one.
func (s *Server) Renew(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := ClaimsFromCtx(ctx)
	if !ok {
		return nil, errNoAuth
	}
	sess, err := s.auth.Renew(ctx, claims)
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromSession(sess), nil
}

// Logout revokes the presented token.
func (s *Server) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := ClaimsFromCtx(ctx)
	if !ok {
		return nil, errNoAuth
	}
	if err := s.auth.Logout(ctx, claims); err != nil {
		return nil, s.fail(err)
	}
	return convert.Empty(), nil
}

// Whoami echoes the verified claims of the caller.
func (s *Server) Whoami(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := ClaimsFromCtx(ctx)
	if !ok {
		return nil, errNoAuth
	}
	return convert.FromClaims(claims), nil
}

// --- Places and sensors ---

// CreatePlace creates a place owned by the caller.
func (s *Server) CreatePlace(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := ClaimsFromCtx(ctx)
	if !ok {
		return nil, errNoAuth
	}
	name, err := convert.String(req, "name")
	if err != nil {
		return nil, s.fail(err)
	}
	pl, err := s.sensors.CreatePlace(ctx, claims.Principal(), name)
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromPlace(pl), nil
}

// RegisterSensor stores a device public key under a place of the caller.
func (s *Server) RegisterSensor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := ClaimsFromCtx(ctx)
	if !ok {
		return nil, errNoAuth
	}
	placeID, err := convert.String(req, "place_id")
	if err != nil {
		return nil, s.fail(err)
	}
	deviceID, err := convert.String(req, "device_id")
	if err != nil {
		return nil, s.fail(err)
	}
	pub, err := convert.String(req, "public_key")
	if err != nil {
		return nil, s.fail(err)
	}
	sn, err := s.sensors.RegisterSensor(ctx, claims.Principal(), placeID, deviceID, pub)
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromSensor(sn), nil
}

// GetSensor returns a sensor visible to the caller.
func (s *Server) GetSensor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := ClaimsFromCtx(ctx)
	if !ok {
		return nil, errNoAuth
	}
	deviceID, err := convert.String(req, "device_id")
	if err != nil {
		return nil, s.fail(err)
	}
	sn, err := s.sensors.GetSensor(ctx, claims.Principal(), deviceID)
	if err != nil {
		return nil, s.fail(err)
	}
	return convert.FromSensor(sn), nil
}
