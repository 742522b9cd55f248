// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/tomtom215/riverauth/internal/validation"
)

// ErrThresholdOrder is returned when risk thresholds are not strictly
// ordered high > medium > low.
var ErrThresholdOrder = errors.New("security thresholds must satisfy high > medium > low")

// Validate checks struct tags first, then rules spanning several fields.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	if err := c.validateSecurity(); err != nil {
		return err
	}
	if err := c.validateGesture(); err != nil {
		return err
	}
	if err := c.validateLocation(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	return c.validateGateway()
}

func (c *Config) validateSecurity() error {
	s := c.Security
	if !(s.HighThreshold > s.MediumThreshold && s.MediumThreshold > s.LowThreshold) {
		return fmt.Errorf("%w (got %.2f, %.2f, %.2f)", ErrThresholdOrder,
			s.HighThreshold, s.MediumThreshold, s.LowThreshold)
	}
	return nil
}

// validateGesture rejects thresholds where no movement could ever be a
// swipe because hold and swipe bands would overlap.
func (c *Config) validateGesture() error {
	if c.Gesture.SwipeDistanceThreshold < c.Gesture.HoldThreshold {
		return fmt.Errorf("gesture.swipe_distance_threshold (%.1f) must be >= gesture.hold_threshold (%.1f)",
			c.Gesture.SwipeDistanceThreshold, c.Gesture.HoldThreshold)
	}
	return nil
}

func (c *Config) validateLocation() error {
	if !c.Location.Enabled {
		return nil
	}
	switch c.Location.Resolver {
	case "http":
		u, err := url.Parse(c.Location.LookupURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("location.lookup_url must be an http(s) URL, got %q", c.Location.LookupURL)
		}
	case "geoip":
		if c.Location.GeoIPPath == "" {
			return errors.New("location.geoip_path is required when location.resolver=geoip")
		}
		if c.Location.PublicIP == "" {
			return errors.New("location.public_ip is required when location.resolver=geoip")
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Backend == "badger" && c.Store.Path == "" {
		return errors.New("store.path is required when store.backend=badger")
	}
	return nil
}

func (c *Config) validateGateway() error {
	if c.Gateway.Bus == "nats" && c.Gateway.NATSURL == "" {
		return errors.New("gateway.nats_url is required when gateway.bus=nats")
	}
	return nil
}
