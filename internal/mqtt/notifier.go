// Package mqtt delivers login challenges to sensor devices over MQTT.
//
// Each device listens on <prefix>/<device_id>/challenge. The payload carries
// the nonce as lowercase hex together with its deadline.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/juancabe/sensor-proyect-sub000/internal/config"
	"github.com/juancabe/sensor-proyect-sub000/internal/errs"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesce     = 250 // milliseconds
	maxQoS                = 2
)

// Errors returned by the notifier.
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
)

// publisher is the subset of pahomqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// Notifier publishes challenges. Safe for concurrent use.
type Notifier struct {
	client  publisher
	qos     byte
	prefix  string
	timeout time.Duration
	log     *zap.Logger
}

type challengeMessage struct {
	Nonce     string `json:"nonce"`
	ExpiresAt string `json:"expires_at"`
}

// Connect dials the broker described by cfg and returns a Notifier.
func Connect(cfg config.MQTTConfig, log *zap.Logger) (*Notifier, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		log.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return NewNotifier(client, cfg.QoS, cfg.TopicPrefix, log), nil
}

// NewNotifier wraps an already connected client.
func NewNotifier(client publisher, qos byte, prefix string, log *zap.Logger) *Notifier {
	if qos > maxQoS {
		qos = maxQoS
	}
	if prefix == "" {
		prefix = "sensors"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		client:  client,
		qos:     qos,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: defaultPublishTimeout,
		log:     log,
	}
}

// Topic returns the challenge topic of a device.
func (n *Notifier) Topic(deviceID string) string {
	return n.prefix + "/" + deviceID + "/challenge"
}

// NotifyChallenge publishes nonce to the device and waits for the broker
// acknowledgement, the publish timeout, or ctx, whichever comes first.
func (n *Notifier) NotifyChallenge(ctx context.Context, deviceID string, nonce []byte, expires time.Time) error {
	if deviceID == "" || strings.ContainsAny(deviceID, "/+#") {
		return fmt.Errorf("%w: device id not usable as topic level", errs.ErrMalformedInput)
	}
	if !n.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(challengeMessage{
		Nonce:     hex.EncodeToString(nonce),
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	token := n.client.Publish(n.Topic(deviceID), n.qos, false, payload)
	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, n.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	n.log.Debug("challenge published", zap.String("device_id", deviceID))
	return nil
}

// Close disconnects from the broker.
func (n *Notifier) Close() {
	n.client.Disconnect(disconnectQuiesce)
}
