package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// NoAttribute is substituted for an absent attribute when deriving dedup keys,
// so that "cup" and "cup with no attribute" hash to the same phenomenon.
const NoAttribute = "none"

// ErrInvalidEvent marks a structurally malformed event. It is a caller bug:
// invalid events are rejected before queueing and never retried.
var ErrInvalidEvent = errors.New("invalid event")

// Rect is a bounding rectangle in frame pixel coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Event is the canonical representation of one object detection flowing
// through the relay. Events are values: once constructed they are never
// mutated, only copied.
type Event struct {
	ID          string    `json:"event_id,omitempty"`
	SubjectID   string    `json:"subject_id"`
	Attribute   string    `json:"attribute,omitempty"`
	Confidence  float64   `json:"confidence"`
	Region      *Rect     `json:"bounding_region,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
	Fingerprint string    `json:"content_fingerprint,omitempty"`
	Origin      string    `json:"origin,omitempty"`
}

// DedupKey identifies the physical phenomenon an event reports. Two events
// with the same key are candidates for suppression; events with different
// keys are never merged. The key is stable for the event's lifetime.
func (e Event) DedupKey() string {
	attr := e.Attribute
	if attr == "" {
		attr = NoAttribute
	}
	return e.SubjectID + "/" + attr
}

// SamePhenomenon reports whether e and other describe the same physical
// phenomenon: matching dedup keys captured within the given time window.
func (e Event) SamePhenomenon(other Event, window time.Duration) bool {
	if e.DedupKey() != other.DedupKey() {
		return false
	}
	gap := e.CapturedAt.Sub(other.CapturedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap < window
}

// Validate checks the structural invariants every event must satisfy before
// it may enter the pipeline.
func (e Event) Validate() error {
	if e.SubjectID == "" {
		return fmt.Errorf("%w: subject_id is empty", ErrInvalidEvent)
	}
	if math.IsNaN(e.Confidence) {
		return fmt.Errorf("%w: confidence is NaN", ErrInvalidEvent)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidEvent, e.Confidence)
	}
	return nil
}
