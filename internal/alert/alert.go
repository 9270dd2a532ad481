// Package alert owns the alert lifecycle: creation after tiering, the state
// machine driven by invigilators and referees, suppression on close and
// deferred dispatch while nobody is assigned.
package alert

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
)

var (
	ErrInvalidTransition  = errors.New("invalid alert transition")
	ErrNoResponsibleParty = errors.New("no responsible party")
	ErrUnknownAlert       = errors.New("unknown alert")
)

type State string

const (
	StatePending       State = "pending"
	StateAcknowledged  State = "acknowledged"
	StateEscalated     State = "escalated"
	StateResolved      State = "resolved"
	StateFalsePositive State = "false_positive"
)

// Terminal states are never left.
func (s State) Terminal() bool { return s == StateResolved || s == StateFalsePositive }

type Action string

const (
	ActionAcknowledge   Action = "acknowledge"
	ActionEscalate      Action = "escalate"
	ActionResolve       Action = "resolve"
	ActionFalsePositive Action = "false_positive"
)

var transitions = map[State]map[Action]State{
	StatePending: {
		ActionAcknowledge:   StateAcknowledged,
		ActionEscalate:      StateEscalated,
		ActionFalsePositive: StateFalsePositive,
	},
	StateAcknowledged: {
		ActionResolve:       StateResolved,
		ActionEscalate:      StateEscalated,
		ActionFalsePositive: StateFalsePositive,
	},
	StateEscalated: {
		ActionResolve:       StateResolved,
		ActionFalsePositive: StateFalsePositive,
	},
}

// Next returns the state reached by applying a to s.
func Next(s State, a Action) (State, error) {
	next, ok := transitions[s][a]
	if !ok {
		return s, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, a, s)
	}
	return next, nil
}

// Transition is one entry of an alert's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Action Action    `json:"action"`
	Actor  string    `json:"actor"`
	Notes  string    `json:"notes,omitempty"`
	At     time.Time `json:"at"`
}

// Alert is the unit delivered to humans. Exactly one of EventID and GroupID is set.
type Alert struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"session_id"`
	Institution string              `json:"institution,omitempty"`
	EventID     string              `json:"event_id,omitempty"`
	GroupID     string              `json:"group_id,omitempty"`
	Kind        string              `json:"kind"`
	Severity    detection.Severity  `json:"severity"`
	Locators    []detection.Locator `json:"locators"`
	Tier        classify.Tier       `json:"tier"`
	RuleID      string              `json:"rule_id"`
	State       State               `json:"state"`

	// Muted alerts were suppressed by a cool-down: recorded, never dispatched.
	Muted bool `json:"muted"`
	// Deferred alerts are waiting for an invigilator to be assigned.
	Deferred bool `json:"deferred"`

	Assignee    string   `json:"assignee,omitempty"`
	EscalatedTo []string `json:"escalated_to,omitempty"`

	TriggeredAt    time.Time  `json:"triggered_at"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	Notes   []string     `json:"notes,omitempty"`
	History []Transition `json:"history,omitempty"`
}

func newAlert(id string, t detection.Target, d classify.Decision, institution string, now time.Time) *Alert {
	a := &Alert{
		ID:          id,
		SessionID:   t.SessionID(),
		Institution: institution,
		Kind:        t.KindName(),
		Severity:    t.Severity(),
		Locators:    slices.Clone(t.Locators()),
		Tier:        d.Tier,
		RuleID:      d.RuleID,
		State:       StatePending,
		TriggeredAt: t.Trigger(),
		CreatedAt:   now,
	}
	if t.Group != nil {
		a.GroupID = t.Group.ID
	} else {
		a.EventID = t.Event.ID
	}
	return a
}

// Target returns the id of the referenced event or group.
func (a *Alert) Target() string {
	if a.GroupID != "" {
		return a.GroupID
	}
	return a.EventID
}

// Grouped reports whether the alert references a group.
func (a *Alert) Grouped() bool { return a.GroupID != "" }

func (a *Alert) clone() *Alert {
	c := *a
	c.Locators = slices.Clone(a.Locators)
	c.EscalatedTo = slices.Clone(a.EscalatedTo)
	c.Notes = slices.Clone(a.Notes)
	c.History = slices.Clone(a.History)
	return &c
}
