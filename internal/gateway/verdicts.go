// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/riverauth/internal/envelope"
	"github.com/tomtom215/riverauth/internal/logging"
)

// ErrSubscriptionClosed is returned by VerdictRouter.Run when the bus
// closes the verdict channel before ctx is done.
var ErrSubscriptionClosed = errors.New("verdict subscription closed")

// VerdictRouter consumes scorer verdicts from the bus and hands each to
// the connections of the addressed user.
type VerdictRouter struct {
	bus Bus
	hub *Hub
}

// NewVerdictRouter creates a router reading TopicVerdicts from bus.
func NewVerdictRouter(bus Bus, hub *Hub) *VerdictRouter {
	return &VerdictRouter{bus: bus, hub: hub}
}

// Run subscribes and routes until ctx is done. Every message is acked;
// frames that are not verdicts are logged and dropped.
func (r *VerdictRouter) Run(ctx context.Context) error {
	msgs, err := r.bus.Subscribe(ctx, TopicVerdicts)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicVerdicts, err)
	}
	logging.Info().Str("topic", TopicVerdicts).Msg("verdict router started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrSubscriptionClosed
			}
			r.handle(msg)
			msg.Ack()
		}
	}
}

func (r *VerdictRouter) handle(msg *message.Message) {
	userID, err := verdictUser(msg)
	if err != nil {
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping verdict")
		return
	}
	r.hub.Deliver(userID, msg.Payload)
}

// verdictUser validates the payload and returns the addressed user. The
// frame's user_id wins over the metadata.
func verdictUser(msg *message.Message) (string, error) {
	in, err := envelope.ParseInbound(msg.Payload)
	if err != nil {
		return "", err
	}
	var userID string
	switch v := in.(type) {
	case *envelope.BehavioralAlert:
		userID = v.UserID
	case *envelope.SecurityResponseResult:
		userID = v.UserID
	default:
		return "", fmt.Errorf("%w: %s is not a verdict", envelope.ErrMalformed, in.Kind())
	}
	if userID == "" {
		userID = msg.Metadata.Get(MetadataUserID)
	}
	if userID == "" {
		return "", fmt.Errorf("%w: verdict has no user_id", envelope.ErrMalformed)
	}
	return userID, nil
}
