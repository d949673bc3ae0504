// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/kestrelgeo/fieldtrack/internal/validation"
)

// Decode error codes, carried back to the sender in an ErrorMessage.
const (
	CodeMalformedEnvelope  = "malformed_envelope"
	CodeUnknownType        = "unknown_type"
	CodeMissingField       = "missing_field"
	CodeInvalidCoordinates = "invalid_coordinates"
	CodeInvalidField       = "invalid_field"
)

// Envelope is the raw wire frame before typed decoding.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeError describes why a frame was rejected. Decode errors are local
// to the sender: the session stays open and nothing is broadcast.
type DecodeError struct {
	Code   string
	Reason string

	// Type is the envelope type the payload failed to decode as, empty
	// when the envelope itself was unreadable. Lets the session layer
	// answer in the message's own vocabulary (an invalid authentication
	// payload gets authentication_failed, not a generic error).
	Type string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Decode parses a raw frame into one of the closed set of Inbound types.
// Shape and field validation happen here, before any dispatch, so the
// session layer only ever sees well-formed messages.
func Decode(raw []byte) (Inbound, *DecodeError) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Code: CodeMalformedEnvelope, Reason: "frame is not a valid envelope"}
	}
	if env.Type == "" {
		return nil, &DecodeError{Code: CodeMalformedEnvelope, Reason: "envelope has no type"}
	}

	switch env.Type {
	case TypeAuthentication:
		var msg Authentication
		if derr := unmarshalPayload(env.Data, &msg); derr != nil {
			derr.Type = env.Type
			return nil, derr
		}
		return msg, nil
	case TypeLocationUpdate:
		var msg LocationUpdate
		if derr := unmarshalPayload(env.Data, &msg); derr != nil {
			derr.Type = env.Type
			return nil, derr
		}
		return msg, nil
	case TypeWaypointMarked:
		var msg WaypointMarked
		if derr := unmarshalPayload(env.Data, &msg); derr != nil {
			derr.Type = env.Type
			return nil, derr
		}
		return msg, nil
	case TypeEmergencyAlert:
		var msg EmergencyAlert
		if derr := unmarshalPayload(env.Data, &msg); derr != nil {
			derr.Type = env.Type
			return nil, derr
		}
		return msg, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Reason: fmt.Sprintf("unrecognized message type %q", env.Type)}
	}
}

// unmarshalPayload decodes the data object into dst and validates it.
func unmarshalPayload(data json.RawMessage, dst interface{}) *DecodeError {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &DecodeError{Code: CodeMalformedEnvelope, Reason: "data does not match message shape"}
	}
	if err := validation.ValidateStruct(dst); err != nil {
		return toDecodeError(err)
	}
	return nil
}

// toDecodeError maps validation failures onto protocol error codes.
// Coordinate range violations get their own code so clients can surface
// them distinctly from missing fields.
func toDecodeError(err error) *DecodeError {
	var serr *validation.StructError
	if !errors.As(err, &serr) {
		return &DecodeError{Code: CodeInvalidField, Reason: err.Error()}
	}
	for _, fe := range serr.Fields {
		switch fe.Tag {
		case "latitude", "longitude", "finite":
			return &DecodeError{Code: CodeInvalidCoordinates, Reason: fe.Error()}
		case "required":
			return &DecodeError{Code: CodeMissingField, Reason: fe.Error()}
		}
	}
	return &DecodeError{Code: CodeInvalidField, Reason: serr.Error()}
}

// Encode wraps a payload in the wire envelope and serializes it.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		data = b
	}
	b, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	return b, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal (all
// server-defined types). Panics on error; used where a failure would be a
// programming bug, not an input problem.
func MustEncode(msgType string, payload interface{}) []byte {
	b, err := Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	return b
}
