package detection

import (
	"slices"
	"time"
)

// GroupKind classifies a correlated cluster.
type GroupKind string

const (
	GroupNeighborCheating    GroupKind = "neighbor_cheating"
	GroupCollaboration       GroupKind = "collaboration"
	GroupCoordinatedMovement GroupKind = "coordinated_movement"
)

// Centroid is the mean position of a group's participants in seat space.
type Centroid struct {
	Row  float64 `json:"row"`
	Seat float64 `json:"seat"`
}

// Group is a correlated cluster of events implicating at least two students.
// It may grow while open and is frozen once its window closes.
type Group struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Kind        GroupKind `json:"kind"`
	EventIDs    []string  `json:"event_ids"`
	Locators    []Locator `json:"locators"`
	Centroid    Centroid  `json:"centroid"`
	Severity    Severity  `json:"severity"`
	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
	Frozen      bool      `json:"frozen"`

	// Members holds the participating events in (timestamp, seq) order.
	Members []*Event `json:"-"`
}

// Add appends an event and recomputes the derived fields. Frozen groups are left untouched.
func (g *Group) Add(ev *Event) bool {
	if g.Frozen {
		return false
	}
	i, _ := slices.BinarySearchFunc(g.Members, ev, func(a, b *Event) int {
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	g.Members = slices.Insert(g.Members, i, ev)
	g.recompute()
	return true
}

// Freeze closes the group for further changes.
func (g *Group) Freeze() { g.Frozen = true }

// Students returns the number of distinct locators in the group.
func (g *Group) Students() int { return len(g.Locators) }

func (g *Group) recompute() {
	g.EventIDs = g.EventIDs[:0]
	seen := make(map[Locator]struct{}, len(g.Members))
	g.Locators = g.Locators[:0]
	kinds := make(map[Kind]struct{}, 2)
	high := false
	var rows, seats float64
	for _, m := range g.Members {
		g.EventIDs = append(g.EventIDs, m.ID)
		kinds[m.Kind] = struct{}{}
		if m.Severity == SeverityHigh {
			high = true
		}
		if _, ok := seen[m.Locator]; ok {
			continue
		}
		seen[m.Locator] = struct{}{}
		g.Locators = append(g.Locators, m.Locator)
		rows += float64(m.Locator.Row)
		seats += float64(m.Locator.Seat)
	}
	slices.SortFunc(g.Locators, func(a, b Locator) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	if n := float64(len(g.Locators)); n > 0 {
		g.Centroid = Centroid{Row: rows / n, Seat: seats / n}
	}
	if len(g.Members) > 0 {
		g.FirstSeen = g.Members[0].OccurredAt
		for _, m := range g.Members {
			if m.OccurredAt.After(g.LastUpdated) {
				g.LastUpdated = m.OccurredAt
			}
		}
	}
	g.Kind = groupKind(kinds)
	g.Severity = SeverityMedium
	if high || len(g.Locators) >= 3 {
		g.Severity = SeverityHigh
	}
}

func groupKind(kinds map[Kind]struct{}) GroupKind {
	if len(kinds) == 1 {
		for k := range kinds {
			switch k {
			case KindHeadPose:
				return GroupNeighborCheating
			case KindMovement, KindProlongedAbsence:
				return GroupCoordinatedMovement
			}
		}
	}
	return GroupCollaboration
}
