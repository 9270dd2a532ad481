package classify

import (
	"slices"
	"time"

	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
)

// Outcome tags a recorded event once a human closes its alert. Tagged entries
// still count as occurred; the tag feeds accuracy metrics.
type Outcome string

const (
	OutcomeNone          Outcome = ""
	OutcomeResolved      Outcome = "resolved"
	OutcomeFalsePositive Outcome = "false_positive"
)

type entry struct {
	at      time.Time
	seq     uint64
	eventID string
	loc     detection.Locator
}

func cmpEntry(a, b entry) int {
	if c := a.at.Compare(b.at); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// History is a session's recent-event index: a time-ordered slice for the
// whole session plus one per locator. Counts are two binary searches.
// It is owned by one session goroutine and is not safe for concurrent use.
type History struct {
	retention time.Duration
	all       []entry
	byLocator map[detection.Locator][]entry
	outcomes  map[string]Outcome
}

// NewHistory keeps entries for retention (rule horizon plus window slack).
func NewHistory(retention time.Duration) *History {
	return &History{
		retention: retention,
		byLocator: make(map[detection.Locator][]entry),
		outcomes:  make(map[string]Outcome),
	}
}

// Record indexes an admitted event. Late arrivals land in timestamp order.
func (h *History) Record(ev *detection.Event) {
	e := entry{at: ev.OccurredAt, seq: ev.Seq, eventID: ev.ID, loc: ev.Locator}
	h.all = insertSorted(h.all, e)
	h.byLocator[ev.Locator] = insertSorted(h.byLocator[ev.Locator], e)
}

// CountStudent counts events for loc with timestamps in [from, to].
func (h *History) CountStudent(loc detection.Locator, from, to time.Time) int {
	return countRange(h.byLocator[loc], from, to)
}

// CountAll counts events of any student with timestamps in [from, to].
func (h *History) CountAll(from, to time.Time) int {
	return countRange(h.all, from, to)
}

// Tag records the outcome for an event still in the index. It reports false
// when the event has already aged out.
func (h *History) Tag(ev *detection.Event, o Outcome) bool {
	list := h.byLocator[ev.Locator]
	for _, e := range list[lowerBound(list, ev.OccurredAt):] {
		if !e.at.Equal(ev.OccurredAt) {
			break
		}
		if e.eventID == ev.ID {
			h.outcomes[ev.ID] = o
			return true
		}
	}
	return false
}

// OutcomeOf returns the tag for an event, if any.
func (h *History) OutcomeOf(eventID string) Outcome { return h.outcomes[eventID] }

// Len returns the number of indexed events.
func (h *History) Len() int { return len(h.all) }

// Prune drops entries older than now-retention.
func (h *History) Prune(now time.Time) {
	cutoff := now.Add(-h.retention)
	n := lowerBound(h.all, cutoff)
	for _, e := range h.all[:n] {
		delete(h.outcomes, e.eventID)
	}
	h.all = slices.Delete(h.all, 0, n)
	for loc, list := range h.byLocator {
		k := lowerBound(list, cutoff)
		if k == len(list) {
			delete(h.byLocator, loc)
			continue
		}
		h.byLocator[loc] = slices.Delete(list, 0, k)
	}
}

func insertSorted(list []entry, e entry) []entry {
	i, _ := slices.BinarySearchFunc(list, e, cmpEntry)
	return slices.Insert(list, i, e)
}

// lowerBound returns the index of the first entry at or after t.
func lowerBound(list []entry, t time.Time) int {
	i, _ := slices.BinarySearchFunc(list, t, func(e entry, t time.Time) int {
		if e.at.Before(t) {
			return -1
		}
		return 1
	})
	return i
}

// upperBound returns the index of the first entry strictly after t.
func upperBound(list []entry, t time.Time) int {
	i, _ := slices.BinarySearchFunc(list, t, func(e entry, t time.Time) int {
		if e.at.After(t) {
			return 1
		}
		return -1
	})
	return i
}

func countRange(list []entry, from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return upperBound(list, to) - lowerBound(list, from)
}
