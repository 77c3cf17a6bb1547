package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/geotrack/internal/tracking"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeSampleBatch   MessageType = "sample_batch"
	TypeStateChanged  MessageType = "state_changed"
	TypeProviderFault MessageType = "provider_fault"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionConfigure = "configure"
	ActionSnapshot  = "snapshot"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType              `json:"type"`
	Action string                   `json:"action"`
	Config *tracking.TrackingConfig `json:"config,omitempty"`
	TSMs   int64                    `json:"ts_ms,omitempty"`
}

type SampleBatch struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Replayed  bool              `json:"replayed"`
	Samples   []tracking.Record `json:"samples"`
}

type StateChanged struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	From      tracking.State `json:"from"`
	To        tracking.State `json:"to"`
	TSMs      int64          `json:"ts_ms"`
}

type ProviderFault struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
	Detail    string      `json:"detail"`
}

type SystemEvent struct {
	Type     MessageType        `json:"type"`
	Code     string             `json:"code"`
	Detail   string             `json:"detail,omitempty"`
	Snapshot *tracking.Snapshot `json:"snapshot,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewSampleBatch(b tracking.Batch) SampleBatch {
	return SampleBatch{
		Type:      TypeSampleBatch,
		SessionID: b.SessionID,
		Replayed:  b.Replayed,
		Samples:   b.Records,
	}
}

func NewStateChanged(c tracking.StateChange) StateChanged {
	return StateChanged{
		Type:      TypeStateChanged,
		SessionID: c.SessionID,
		From:      c.From,
		To:        c.To,
		TSMs:      c.At.UnixMilli(),
	}
}

func NewProviderFault(err error) ProviderFault {
	msg := ProviderFault{Type: TypeProviderFault, Detail: "provider fault"}
	if err != nil {
		msg.Detail = err.Error()
	}
	var ferr *tracking.FaultError
	if errors.As(err, &ferr) {
		msg.SessionID = ferr.SessionID
		msg.Attempts = ferr.Attempts
	}
	return msg
}

func NewSnapshotEvent(code string, snap tracking.Snapshot) SystemEvent {
	return SystemEvent{Type: TypeSystemEvent, Code: code, Snapshot: &snap}
}

// NewErrorEvent maps a tracking error to a client-facing error code.
func NewErrorEvent(source string, err error) ErrorEvent {
	ev := ErrorEvent{Type: TypeErrorEvent, Code: "internal", Source: source}
	if err != nil {
		ev.Detail = err.Error()
	}
	switch {
	case errors.Is(err, tracking.ErrInvalidParameter):
		ev.Code = "invalid_parameter"
	case errors.Is(err, tracking.ErrAlreadyActive):
		ev.Code = "already_active"
	case errors.Is(err, tracking.ErrPermissionDenied):
		ev.Code = "permission_denied"
		ev.Retryable = true
	case errors.Is(err, tracking.ErrProviderFault):
		ev.Code = "provider_fault"
	case errors.Is(err, ErrUnsupportedType):
		ev.Code = "unsupported_type"
	}
	return ev
}

// NowMS is the wire timestamp format.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStart, ActionStop, ActionSnapshot:
		case ActionConfigure:
			if msg.Config == nil {
				return nil, errors.New("invalid client_control: configure requires config")
			}
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
