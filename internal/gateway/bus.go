// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/tomtom215/riverauth/internal/config"
	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/metrics"
)

// Bus topics.
const (
	TopicTelemetry = "telemetry"
	TopicVerdicts  = "verdicts"
)

// Message metadata keys.
const (
	MetadataType   = "type"
	MetadataUserID = "user_id"
)

// ErrUnknownBus is returned by NewBus for an unsupported backend name.
var ErrUnknownBus = errors.New("unknown bus backend")

// Bus is the publish/subscribe surface the gateway needs. Both the
// in-process GoChannel and the NATS JetStream bus implement it.
type Bus interface {
	Publish(topic string, msgs ...*message.Message) error
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

// NewBus builds the backend named by cfg.Bus.
func NewBus(cfg config.GatewayConfig, logger watermill.LoggerAdapter) (Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	switch cfg.Bus {
	case "", "gochannel":
		return NewGoChannelBus(logger), nil
	case "nats":
		return newNATSBus(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBus, cfg.Bus)
	}
}

// NewGoChannelBus returns an in-process bus. Messages published to a
// topic with no subscriber are discarded.
func NewGoChannelBus(logger watermill.LoggerAdapter) Bus {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, logger)
}

// telemetryMessage wraps one accepted frame for the telemetry topic.
func telemetryMessage(env envelope.Envelope, raw []byte) *message.Message {
	msg := message.NewMessage(uuid.NewString(), raw)
	msg.Metadata.Set(MetadataType, env.Type)
	if env.UserID != "" {
		msg.Metadata.Set(MetadataUserID, env.UserID)
	}
	return msg
}

// NewVerdictMessage wraps a verdict frame for the verdicts topic. Scorers
// sharing the process (and tests) use it to address a user.
func NewVerdictMessage(userID string, frame []byte) *message.Message {
	msg := message.NewMessage(uuid.NewString(), frame)
	msg.Metadata.Set(MetadataUserID, userID)
	return msg
}

func publish(bus Bus, topic string, msg *message.Message) error {
	if err := bus.Publish(topic, msg); err != nil {
		metrics.BusPublished.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	metrics.BusPublished.WithLabelValues(topic, "ok").Inc()
	return nil
}
