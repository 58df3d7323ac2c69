// Package audit records authentication events to zap and, when configured,
// to InfluxDB as the auth_events measurement.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/juancabe/sensor-proyect-sub000/internal/config"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

const (
	measurement        = "auth_events"
	defaultPingTimeout = 5 * time.Second
)

// Actions recorded by the service.
const (
	ActionRegister       = "register"
	ActionLogin          = "login"
	ActionDeviceLogin    = "device_login"
	ActionChallenge      = "challenge"
	ActionRenew          = "renew"
	ActionLogout         = "logout"
	ActionAccountUpdate  = "account_update"
	ActionPlaceCreate    = "place_create"
	ActionSensorRegister = "sensor_register"
)

// Event is one auth decision.
type Event struct {
	Action    string
	Principal model.Principal
	Err       error
}

// Recorder consumes auth events.
type Recorder interface {
	Record(ev Event)
}

// pointWriter is the non-blocking write API of the Influx client.
type pointWriter interface {
	WritePoint(p *write.Point)
}

// Sink logs every event and forwards it to Influx when a writer is set.
type Sink struct {
	writer pointWriter
	log    *zap.Logger
	now    func() time.Time
}

// NewSink returns a Sink. A nil writer logs only.
func NewSink(w pointWriter, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{writer: w, log: log, now: time.Now}
}

// Connect opens an Influx client for cfg and returns a Sink writing to it
// and a function that flushes and closes the client.
func Connect(cfg config.InfluxDBConfig, log *zap.Logger) (*Sink, func(), error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = errors.New("server not healthy")
		}
		return nil, nil, fmt.Errorf("influxdb ping: %w", err)
	}

	wa := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range wa.Errors() {
			log.Warn("influx write failed", zap.Error(err))
		}
	}()

	closeFn := func() {
		wa.Flush()
		client.Close()
	}
	return NewSink(wa, log), closeFn, nil
}

// Record logs ev and writes it as a point.
func (s *Sink) Record(ev Event) {
	outcome, reason := Classify(ev.Err)

	fields := []zap.Field{
		zap.String("action", ev.Action),
		zap.String("outcome", outcome),
	}
	if ev.Principal.Valid() {
		fields = append(fields, zap.Stringer("principal", ev.Principal))
	}
	if ev.Err != nil {
		fields = append(fields, zap.String("reason", reason), zap.Error(ev.Err))
	}
	switch outcome {
	case "error":
		s.log.Error("auth event", fields...)
	case "denied":
		s.log.Info("auth event", fields...)
	default:
		s.log.Debug("auth event", fields...)
	}

	if s.writer == nil {
		return
	}
	tags := map[string]string{
		"action":  ev.Action,
		"outcome": outcome,
	}
	if ev.Principal.Valid() {
		tags["kind"] = string(ev.Principal.Kind)
	}
	s.writer.WritePoint(write.NewPoint(
		measurement,
		tags,
		map[string]interface{}{
			"count":   1,
			"reason":  reason,
			"subject": ev.Principal.ID,
		},
		s.now(),
	))
}

// Classify maps an operation error to an outcome ("ok", "denied", "error")
// and a short reason label.
func Classify(err error) (outcome, reason string) {
	switch {
	case err == nil:
		return "ok", ""
	case errors.Is(err, errs.ErrInvalidCredential):
		return "denied", "invalid_credential"
	case errors.Is(err, errs.ErrExpired):
		return "denied", "expired"
	case errors.Is(err, errs.ErrRevoked):
		return "denied", "revoked"
	case errors.Is(err, errs.ErrUnauthorized):
		return "denied", "unauthorized"
	case errors.Is(err, errs.ErrRateLimited):
		return "denied", "rate_limited"
	case errors.Is(err, errs.ErrMalformedInput):
		return "denied", "malformed_input"
	case errors.Is(err, errs.ErrNotFound):
		return "denied", "not_found"
	case errors.Is(err, errs.ErrAlreadyExists):
		return "denied", "already_exists"
	default:
		return "error", "internal"
	}
}
