package detection

import "time"

// Target is what an alert points at: exactly one of Event or Group is set.
type Target struct {
	Event *Event
	Group *Group
}

func EventTarget(e *Event) Target { return Target{Event: e} }
func GroupTarget(g *Group) Target { return Target{Group: g} }

func (t Target) IsGroup() bool { return t.Group != nil }

// Valid reports whether exactly one reference is set.
func (t Target) Valid() bool { return (t.Event == nil) != (t.Group == nil) }

// ID returns the referenced event or group id.
func (t Target) ID() string {
	if t.Group != nil {
		return t.Group.ID
	}
	if t.Event != nil {
		return t.Event.ID
	}
	return ""
}

// SessionID returns the owning session.
func (t Target) SessionID() string {
	if t.Group != nil {
		return t.Group.SessionID
	}
	if t.Event != nil {
		return t.Event.SessionID
	}
	return ""
}

// Trigger is the timestamp alerts are ordered and suppressed by: the event
// timestamp, or the first member's timestamp for groups.
func (t Target) Trigger() time.Time {
	if t.Group != nil {
		return t.Group.FirstSeen
	}
	if t.Event != nil {
		return t.Event.OccurredAt
	}
	return time.Time{}
}

// Seq is the intake sequence of the triggering event.
func (t Target) Seq() uint64 {
	if t.Group != nil && len(t.Group.Members) > 0 {
		return t.Group.Members[0].Seq
	}
	if t.Event != nil {
		return t.Event.Seq
	}
	return 0
}

func (t Target) Severity() Severity {
	if t.Group != nil {
		return t.Group.Severity
	}
	if t.Event != nil {
		return t.Event.Severity
	}
	return ""
}

// KindName is the event kind or group kind as a string.
func (t Target) KindName() string {
	if t.Group != nil {
		return string(t.Group.Kind)
	}
	if t.Event != nil {
		return string(t.Event.Kind)
	}
	return ""
}

// Locators lists the students implicated by the target.
func (t Target) Locators() []Locator {
	if t.Group != nil {
		return t.Group.Locators
	}
	if t.Event != nil {
		return []Locator{t.Event.Locator}
	}
	return nil
}

// Events lists the underlying detection events.
func (t Target) Events() []*Event {
	if t.Group != nil {
		return t.Group.Members
	}
	if t.Event != nil {
		return []*Event{t.Event}
	}
	return nil
}
