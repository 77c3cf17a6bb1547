package tracking

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ent0n29/geotrack/internal/geo"
)

// State is the lifecycle state of the tracking session.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateError     State = "error"
)

// Tracking reports whether the state represents an open session.
func (s State) Tracking() bool {
	switch s {
	case StateStarting, StateActive, StateSuspended:
		return true
	default:
		return false
	}
}

// Accuracy is the desired accuracy tier requested from the provider.
type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLowPower Accuracy = "low_power"
)

// ParseAccuracy accepts the tier names case-insensitively.
func ParseAccuracy(v string) (Accuracy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "high":
		return AccuracyHigh, nil
	case "balanced":
		return AccuracyBalanced, nil
	case "low_power", "low-power", "lowpower":
		return AccuracyLowPower, nil
	default:
		return "", fmt.Errorf("unknown accuracy tier %q (expected high|balanced|low_power)", v)
	}
}

// MaxRadiusM is the worst accuracy radius a sample may report and still be
// accepted under this tier.
func (a Accuracy) MaxRadiusM() float64 {
	switch a {
	case AccuracyHigh:
		return 50
	case AccuracyBalanced:
		return 150
	case AccuracyLowPower:
		return 1000
	default:
		return 0
	}
}

func (a Accuracy) valid() bool {
	return a.MaxRadiusM() > 0
}

// TrackingConfig describes the desired tracking behavior. It is a value: it is
// replaced as a whole on reconfiguration and never mutated in place.
type TrackingConfig struct {
	DistanceFilterM     float64       `json:"distance_filter_m"`
	Interval            time.Duration `json:"interval_ms"`
	Accuracy            Accuracy      `json:"accuracy"`
	PersistAcrossReboot bool          `json:"persist_across_reboot"`
}

// DefaultConfig mirrors the settings the mobile app shipped with.
func DefaultConfig() TrackingConfig {
	return TrackingConfig{
		DistanceFilterM:     10,
		Interval:            5 * time.Second,
		Accuracy:            AccuracyHigh,
		PersistAcrossReboot: true,
	}
}

// MinInterval is the shortest update interval a session may request.
const MinInterval = time.Second

// Validate returns a *ConfigError describing the first invalid field.
func (c TrackingConfig) Validate() error {
	if math.IsNaN(c.DistanceFilterM) || math.IsInf(c.DistanceFilterM, 0) || c.DistanceFilterM < 0 {
		return &ConfigError{Field: "distance_filter_m", Reason: "must be a finite value >= 0"}
	}
	if c.Interval < MinInterval {
		return &ConfigError{Field: "interval", Reason: "must be at least 1s"}
	}
	if !c.Accuracy.valid() {
		return &ConfigError{Field: "accuracy", Reason: fmt.Sprintf("unknown tier %q", c.Accuracy)}
	}
	return nil
}

// LocationSample is a single reading produced by a provider.
type LocationSample struct {
	RecordedAt time.Time     `json:"recorded_at"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Latitude   float64       `json:"latitude"`
	Longitude  float64       `json:"longitude"`
	AccuracyM  float64       `json:"accuracy_m"`
	SpeedMps   *float64      `json:"speed_mps,omitempty"`
	HeadingDeg *float64      `json:"heading_deg,omitempty"`
	AltitudeM  *float64      `json:"altitude_m,omitempty"`
	IsMoving   bool          `json:"is_moving"`
}

// Point returns the sample position.
func (s LocationSample) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lng: s.Longitude}
}

func (s LocationSample) validate() error {
	if !s.Point().Valid() {
		return fmt.Errorf("coordinates out of range")
	}
	if s.RecordedAt.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if s.AccuracyM < 0 || math.IsNaN(s.AccuracyM) {
		return fmt.Errorf("invalid accuracy radius")
	}
	return nil
}

// Record is an accepted sample stamped with its sequence number and session.
type Record struct {
	Seq       uint64         `json:"seq"`
	SessionID string         `json:"session_id"`
	Sample    LocationSample `json:"sample"`
}

// Batch is a group of records from a single session handed to a listener.
type Batch struct {
	SessionID string   `json:"session_id"`
	Records   []Record `json:"records"`
	Replayed  bool     `json:"replayed"`

	spill bool
}

// StateChange describes a session state transition.
type StateChange struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
}

// Snapshot is the last known session state, persisted across restarts.
type Snapshot struct {
	State      State           `json:"state"`
	SessionID  string          `json:"session_id,omitempty"`
	Config     TrackingConfig  `json:"config"`
	LastSample *LocationSample `json:"last_sample,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	LastSeq    uint64          `json:"last_seq"`
	QueueDepth int             `json:"queue_depth"`
	Faults     int             `json:"faults"`
}

// MarshalJSON writes the interval as milliseconds for readability.
func (c TrackingConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DistanceFilterM     float64  `json:"distance_filter_m"`
		IntervalMS          int64    `json:"interval_ms"`
		Accuracy            Accuracy `json:"accuracy"`
		PersistAcrossReboot bool     `json:"persist_across_reboot"`
	}{
		DistanceFilterM:     c.DistanceFilterM,
		IntervalMS:          c.Interval.Milliseconds(),
		Accuracy:            c.Accuracy,
		PersistAcrossReboot: c.PersistAcrossReboot,
	})
}

func (c *TrackingConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		DistanceFilterM     float64  `json:"distance_filter_m"`
		IntervalMS          int64    `json:"interval_ms"`
		Accuracy            Accuracy `json:"accuracy"`
		PersistAcrossReboot bool     `json:"persist_across_reboot"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = TrackingConfig{
		DistanceFilterM:     raw.DistanceFilterM,
		Interval:            time.Duration(raw.IntervalMS) * time.Millisecond,
		Accuracy:            raw.Accuracy,
		PersistAcrossReboot: raw.PersistAcrossReboot,
	}
	return nil
}
