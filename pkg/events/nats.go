package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the JetStream-backed bus
type NATSConfig struct {
	URL        string
	StreamName string
	Subjects   []string

	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
}

// DefaultNATSConfig returns stream settings covering both emitted subjects
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "VERDICT",
		Subjects:      []string{"verdict.insights.>", "verdict.decisions.>"},
		MaxReconnects: 10,
		ReconnectWait: time.Second,
		MaxAge:        24 * time.Hour,
	}
}

// NATSBus publishes domain events to a JetStream stream
type NATSBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSBus connects to NATS and ensures the stream exists
func NewNATSBus(config NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream: %w", err)
	}

	bus := &NATSBus{nc: nc, js: js, logger: logger}
	if err := bus.ensureStream(config); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("Connected to NATS event bus",
		zap.String("url", config.URL),
		zap.String("stream", config.StreamName))
	return bus, nil
}

// Publish implements Bus
func (b *NATSBus) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debug("Event published", zap.String("subject", subject))
	return nil
}

// Close releases the connection
func (b *NATSBus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

func (b *NATSBus) ensureStream(config NATSConfig) error {
	stream, err := b.js.StreamInfo(config.StreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:      config.StreamName,
			Subjects:  config.Subjects,
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    config.MaxAge,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		b.logger.Info("Created JetStream stream",
			zap.String("name", config.StreamName),
			zap.Strings("subjects", config.Subjects))
	}

	return nil
}
