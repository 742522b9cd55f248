// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

package envelope

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/riverauth/internal/validation"
)

// Verdict actions.
const (
	ActionMonitor           = "monitor"
	ActionSecurityChallenge = "security_challenge"
	ActionForceLogout       = "force_logout"
	ActionContinue          = "continue"
)

// Inbound is a parsed server frame. The set of implementations is closed.
type Inbound interface {
	Kind() string
	inbound()
}

// BehavioralAlert is a risk verdict for one user.
type BehavioralAlert struct {
	UserID            string     `json:"user_id"`
	Score             float64    `json:"score" validate:"gte=0,lte=1"`
	Action            string     `json:"action,omitempty" validate:"omitempty,oneof=monitor security_challenge force_logout"`
	Model             string     `json:"model,omitempty"`
	Message           string     `json:"message,omitempty"`
	Severity          string     `json:"severity,omitempty"`
	SecurityQuestions []Question `json:"security_questions,omitempty"`
	RequestID         string     `json:"request_id,omitempty"`
}

// Question is one challenge prompt. The server sends either a bare string
// or an object with a "question" field.
type Question struct {
	ID       int    `json:"id,omitempty"`
	Question string `json:"question"`
}

// UnmarshalJSON accepts "text" as well as {"question":"text"}.
func (q *Question) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &q.Question)
	}
	type plain Question
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*q = Question(p)
	return nil
}

// Questions returns the prompt texts, skipping blank ones.
func (a *BehavioralAlert) Questions() []string {
	out := make([]string, 0, len(a.SecurityQuestions))
	for _, q := range a.SecurityQuestions {
		if strings.TrimSpace(q.Question) != "" {
			out = append(out, q.Question)
		}
	}
	return out
}

// SecurityResponseResult is the verdict on a submitted challenge.
type SecurityResponseResult struct {
	UserID    string `json:"user_id"`
	Action    string `json:"action" validate:"notblank"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Passed reports whether the session may continue.
func (r *SecurityResponseResult) Passed() bool { return r.Action == ActionContinue }

// Welcome is the gateway greeting sent in reply to hello.
type Welcome struct {
	Message string `json:"message"`
}

// Pong answers the keep-alive ping.
type Pong struct{}

// Ack acknowledges one telemetry frame. For is the acknowledged tag.
type Ack struct {
	For string
}

// ServerError is a gateway error frame.
type ServerError struct {
	Message string `json:"message"`
}

// Unknown is any tag this agent does not recognise.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (*BehavioralAlert) Kind() string        { return TypeBehavioralAlert }
func (*SecurityResponseResult) Kind() string { return TypeSecurityResponseResult }
func (*Welcome) Kind() string                { return TypeWelcome }
func (*Pong) Kind() string                   { return "pong" }
func (a *Ack) Kind() string                  { return a.For + AckSuffix }
func (*ServerError) Kind() string            { return TypeError }
func (u *Unknown) Kind() string              { return u.Type }

func (*BehavioralAlert) inbound()        {}
func (*SecurityResponseResult) inbound() {}
func (*Welcome) inbound()                {}
func (*Pong) inbound()                   {}
func (*Ack) inbound()                    {}
func (*ServerError) inbound()            {}
func (*Unknown) inbound()                {}

// header is the part of every frame needed to pick a decoder.
type header struct {
	Type string          `json:"type"`
	Pong *int            `json:"pong"`
	Data json.RawMessage `json:"data"`
}

// ParseInbound decodes one server frame. Fields may sit at the top level
// or inside "data"; values in "data" win. Parse and validation failures
// return an error wrapping ErrMalformed.
func ParseInbound(raw []byte) (Inbound, error) {
	raw = bytes.TrimSpace(raw)
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if h.Type == "" {
		if h.Pong != nil {
			return &Pong{}, nil
		}
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch {
	case h.Type == TypeBehavioralAlert:
		return decodeInto(raw, h.Data, &BehavioralAlert{})
	case h.Type == TypeSecurityResponseResult:
		return decodeInto(raw, h.Data, &SecurityResponseResult{})
	case h.Type == TypeWelcome:
		return decodeInto(raw, h.Data, &Welcome{})
	case h.Type == TypeError:
		return decodeInto(raw, h.Data, &ServerError{})
	case strings.HasSuffix(h.Type, AckSuffix) && len(h.Type) > len(AckSuffix):
		return &Ack{For: strings.TrimSuffix(h.Type, AckSuffix)}, nil
	default:
		return &Unknown{Type: h.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func decodeInto(raw, data []byte, msg Inbound) (Inbound, error) {
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Kind(), err)
	}
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformed, msg.Kind(), err)
		}
	}
	if err := validation.ValidateStruct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Kind(), err)
	}
	return msg, nil
}
