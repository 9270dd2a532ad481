package detection

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent marks events that cannot be admitted (bad locator, kind, timestamp...).
var ErrMalformedEvent = errors.New("malformed detection event")

// Kind enumerates the behaviours an analyzer can flag.
type Kind string

const (
	KindHeadPose         Kind = "head_pose"
	KindAudioSpike       Kind = "audio_spike"
	KindMovement         Kind = "movement"
	KindObjectDetection  Kind = "object_detection"
	KindProlongedAbsence Kind = "prolonged_absence"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindHeadPose, KindAudioSpike, KindMovement, KindObjectDetection, KindProlongedAbsence:
		return true
	}
	return false
}

// glancing reports whether k belongs to the head-pose/movement family that
// indicates students looking at each other.
func (k Kind) glancing() bool {
	return k == KindHeadPose || k == KindMovement
}

// Related reports whether two kinds may be correlated into one group.
func Related(a, b Kind) bool {
	return a == b || (a.glancing() && b.glancing())
}

// Severity is the analyzer's hint, not a verdict.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// Locator places a student in seat space. Rows and seats are 1-based.
type Locator struct {
	Row  int `json:"row" yaml:"row"`
	Seat int `json:"seat" yaml:"seat"`
}

func (l Locator) Valid() bool { return l.Row > 0 && l.Seat > 0 }

// String renders the locator as "r<row>s<seat>", which also serves as a map key.
func (l Locator) String() string { return fmt.Sprintf("r%ds%d", l.Row, l.Seat) }

// Distance is the Chebyshev distance in seats, so diagonal neighbours are 1 apart.
func (l Locator) Distance(o Locator) int {
	return max(abs(l.Row-o.Row), abs(l.Seat-o.Seat))
}

// Less orders locators row-major.
func (l Locator) Less(o Locator) bool {
	if l.Row != o.Row {
		return l.Row < o.Row
	}
	return l.Seat < o.Seat
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Event is a single flagged observation from an analyzer. It is never mutated
// after intake assigns Seq and ReceivedAt.
type Event struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	DeviceID   string         `json:"device_id"`
	Kind       Kind           `json:"kind"`
	Locator    Locator        `json:"locator"`
	Severity   Severity       `json:"severity"`
	Confidence float64        `json:"confidence"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"` // angle, duration, decibels...
	Seq        uint64         `json:"seq"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Duration returns the "duration" attribute in seconds, if present and numeric.
func (e *Event) Duration() (float64, bool) {
	return numericAttr(e.Attributes, "duration")
}

// Validate checks the shape of an event. Time-based checks (late arrival,
// clock skew) belong to intake since they depend on the session clock.
func (e *Event) Validate() error {
	switch {
	case e.SessionID == "":
		return fmt.Errorf("%w: session_id is required", ErrMalformedEvent)
	case e.DeviceID == "":
		return fmt.Errorf("%w: device_id is required", ErrMalformedEvent)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	case !e.Locator.Valid():
		return fmt.Errorf("%w: locator %+v is outside seat space", ErrMalformedEvent, e.Locator)
	case !e.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrMalformedEvent, e.Severity)
	case e.Confidence < 0 || e.Confidence > 1:
		return fmt.Errorf("%w: confidence %v not in [0,1]", ErrMalformedEvent, e.Confidence)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", ErrMalformedEvent)
	}
	return nil
}

// Before orders events by timestamp, falling back to the intake sequence.
func (e *Event) Before(o *Event) bool {
	if !e.OccurredAt.Equal(o.OccurredAt) {
		return e.OccurredAt.Before(o.OccurredAt)
	}
	return e.Seq < o.Seq
}

func numericAttr(attrs map[string]any, key string) (float64, bool) {
	v, ok := attrs[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case time.Duration:
		return n.Seconds(), true
	}
	return 0, false
}
