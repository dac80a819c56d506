package janus

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Envelope kinds as sent in the janus field.
const (
	EnvelopeAck      = "ack"
	EnvelopeSuccess  = "success"
	EnvelopeEvent    = "event"
	EnvelopeError    = "error"
	EnvelopeWebRtcUp = "webrtcup"
	EnvelopeHangUp   = "hangup"
	EnvelopeDetached = "detached"
	EnvelopeMedia    = "media"
	EnvelopeSlowLink = "slowlink"
	EnvelopeTimeout  = "timeout"
)

// Envelope is one inbound message from a backend.
type Envelope struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   int64           `json:"session_id,omitempty"`
	Sender      int64           `json:"sender,omitempty"`
	Data        *SuccessData    `json:"data,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	Jsep        json.RawMessage `json:"jsep,omitempty"`
	Error       *EnvelopeErr    `json:"error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

type SuccessData struct {
	ID int64 `json:"id"`
}

type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type EnvelopeErr struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Class is the dispatch category of an envelope.
type Class int

const (
	ClassUnknown Class = iota
	ClassAck
	ClassSuccess
	ClassEvent
	ClassSessionError
	ClassHandleError
	ClassHandleEvent
)

func (c Class) String() string {
	switch c {
	case ClassAck:
		return "ack"
	case ClassSuccess:
		return "success"
	case ClassEvent:
		return "event"
	case ClassSessionError:
		return "session_error"
	case ClassHandleError:
		return "handle_error"
	case ClassHandleEvent:
		return "handle_event"
	default:
		return "unknown"
	}
}

// ParseEnvelope decodes a raw backend message.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, NewError(ErrMessageParsing, fmt.Errorf("parse envelope: %w", err))
	}
	if env.Janus == "" {
		return Envelope{}, Errorf(ErrMessageParsing, "envelope has no janus field")
	}
	return env, nil
}

// Classify sorts the envelope into a dispatch category. Errors are session
// scoped unless they name a sender handle.
func (e Envelope) Classify() Class {
	switch e.Janus {
	case EnvelopeAck:
		return ClassAck
	case EnvelopeSuccess:
		return ClassSuccess
	case EnvelopeEvent:
		return ClassEvent
	case EnvelopeError:
		if e.Sender != 0 {
			return ClassHandleError
		}
		return ClassSessionError
	case EnvelopeWebRtcUp, EnvelopeHangUp, EnvelopeDetached, EnvelopeMedia, EnvelopeSlowLink, EnvelopeTimeout:
		return ClassHandleEvent
	default:
		return ClassUnknown
	}
}

// pluginFields decodes plugin data into a generic object.
func (e Envelope) pluginFields() (map[string]json.RawMessage, error) {
	if e.PluginData == nil || len(e.PluginData.Data) == 0 {
		return nil, Errorf(ErrMessageParsing, "missing 'data' in the response")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.PluginData.Data, &fields); err != nil {
		return nil, NewError(ErrMessageParsing, fmt.Errorf("parse plugin data: %w", err))
	}
	return fields, nil
}

// pluginStatus returns the stringified status code embedded in plugin data.
func pluginStatus(fields map[string]json.RawMessage) (string, error) {
	raw, ok := fields["status"]
	if !ok {
		return "", Errorf(ErrMessageParsing, "missing 'status' in the response")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", Errorf(ErrMessageParsing, "invalid 'status' in the response: %s", string(raw))
	}
	return strconv.FormatInt(n, 10), nil
}
