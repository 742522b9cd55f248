// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

// Package envelope defines the wire unit exchanged over the telemetry
// channel and the closed set of inbound message kinds.
//
// Every outbound frame is an Envelope:
//
//	{"type":"tap","ts":1700000000000,"user_id":"u1","data":{...}}
//
// Inbound frames are decoded by ParseInbound into one of the Inbound
// implementations. Tags the agent does not understand become *Unknown
// rather than an error so newer servers do not break older agents.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Outbound tags.
const (
	TypeHello                       = "hello"
	TypeTap                         = "tap"
	TypeSwipe                       = "swipe"
	TypeDevice                      = "device"
	TypeGeolocation                 = "geolocation"
	TypeIP                          = "ip"
	TypeTyping                      = "typing"
	TypeSecurityQuestionTyping      = "security_question_typing"
	TypeSignupStep1Submission       = "signup_step1_submission"
	TypeSignupStep2Submission       = "signup_step2_submission"
	TypeSecurityQuestionsSubmission = "security_questions_submission"
	TypeSecurityResponse            = "security_response"
)

// Inbound tags.
const (
	TypeBehavioralAlert        = "behavioral_alert"
	TypeSecurityResponseResult = "security_response_result"
	TypeWelcome                = "welcome"
	TypeError                  = "error"
	AckSuffix                  = "_ack"
)

// ErrMalformed wraps every ParseInbound and Decode failure.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the only structure crossing the transport boundary.
// Type is an open tag; receivers dispatch on it.
type Envelope struct {
	Type      string          `json:"type"`
	TS        int64           `json:"ts"`
	UserID    string          `json:"user_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope stamped with the current time.
func New(typ string, data any) (Envelope, error) {
	return NewAt(typ, time.Now(), data)
}

// NewAt builds an envelope stamped with ts. A nil data leaves Data empty.
func NewAt(typ string, ts time.Time, data any) (Envelope, error) {
	env := Envelope{Type: typ, TS: ts.UnixMilli()}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s data: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// MustNew is New for payloads that cannot fail to encode (plain structs
// of strings and numbers). It panics otherwise.
func MustNew(typ string, data any) Envelope {
	env, err := New(typ, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals Data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Time returns TS as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.TS)
}

// Encode returns the JSON frame for e.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes a frame into an Envelope. It does not interpret the tag.
func Parse(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

// PingFrame is the application keep-alive frame.
var PingFrame = []byte(`{"ping":1}`)

// PongFrame answers PingFrame.
var PongFrame = []byte(`{"pong":1}`)
