// Package correlate groups spatially and temporally related detection events
// of one exam session.
//
// Ungrouped events live in a buffer with an explicit adjacency graph between
// every pair that satisfies the grouping predicate. Each admission adds the
// new event's edges; a connected component that spans two or more distinct
// students becomes a group. Groups stay open for one window from their first
// member's timestamp and absorb further qualifying events until then.
//
// A Window is owned by a single session goroutine and is not safe for
// concurrent use.
package correlate

import (
	"fmt"
	"slices"
	"time"

	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
)

// Window is the per-session correlation buffer.
type Window struct {
	sessionID string
	span      time.Duration
	distance  int

	loose   []*detection.Event          // ungrouped, (timestamp, seq) order
	byID    map[string]*detection.Event // loose events by id
	adj     map[string]map[string]struct{}
	open    []*detection.Group
	created uint64
}

// NewWindow creates a correlation buffer for one session.
func NewWindow(sessionID string, span time.Duration, neighborDistance int) *Window {
	return &Window{
		sessionID: sessionID,
		span:      span,
		distance:  neighborDistance,
		byID:      make(map[string]*detection.Event),
		adj:       make(map[string]map[string]struct{}),
	}
}

// Related is the grouping predicate: related kinds, timestamps within the
// window of each other and seats within the neighbor distance.
func (w *Window) Related(a, b *detection.Event) bool {
	if a.SessionID != b.SessionID || !detection.Related(a.Kind, b.Kind) {
		return false
	}
	dt := a.OccurredAt.Sub(b.OccurredAt)
	if dt < 0 {
		dt = -dt
	}
	return dt <= w.span && a.Locator.Distance(b.Locator) <= w.distance
}

// Admit buffers ev and returns the group it created or joined, or nil when
// the event stays on its own for now.
func (w *Window) Admit(ev *detection.Event) *detection.Group {
	w.link(ev)

	if g := w.pickGroup(ev); g != nil {
		for _, m := range w.component(ev.ID) {
			w.detach(m)
			g.Add(m)
		}
		return g
	}

	comp := w.component(ev.ID)
	if distinctLocators(comp) < 2 {
		return nil
	}
	w.created++
	g := &detection.Group{
		ID:        fmt.Sprintf("%s-g%06d", w.sessionID, w.created),
		SessionID: w.sessionID,
	}
	for _, m := range comp {
		w.detach(m)
		g.Add(m)
	}
	w.open = append(w.open, g)
	return g
}

// Due freezes and returns everything whose window has elapsed at now: groups
// whose first member is at least one window old, and ungrouped events that
// can no longer find a partner. Results are ordered by trigger timestamp.
func (w *Window) Due(now time.Time) []detection.Target {
	var out []detection.Target
	keep := w.open[:0]
	for _, g := range w.open {
		if !now.Before(g.FirstSeen.Add(w.span)) {
			g.Freeze()
			out = append(out, detection.GroupTarget(g))
			continue
		}
		keep = append(keep, g)
	}
	clear(w.open[len(keep):])
	w.open = keep

	var expired []*detection.Event
	for _, ev := range w.loose {
		if now.Before(ev.OccurredAt.Add(w.span)) {
			break
		}
		expired = append(expired, ev)
	}
	for _, ev := range expired {
		w.detach(ev)
		out = append(out, detection.EventTarget(ev))
	}
	sortTargets(out)
	return out
}

// Flush freezes every open group and releases every buffered event, as on session end.
func (w *Window) Flush() []detection.Target {
	out := make([]detection.Target, 0, len(w.open)+len(w.loose))
	for _, g := range w.open {
		g.Freeze()
		out = append(out, detection.GroupTarget(g))
	}
	for _, ev := range w.loose {
		out = append(out, detection.EventTarget(ev))
	}
	w.open = nil
	w.loose = nil
	clear(w.byID)
	clear(w.adj)
	sortTargets(out)
	return out
}

// OpenGroups returns the groups that can still grow.
func (w *Window) OpenGroups() []*detection.Group { return slices.Clone(w.open) }

// Pending returns the number of buffered, ungrouped events.
func (w *Window) Pending() int { return len(w.loose) }

// link inserts ev into the loose buffer and adds its edges.
func (w *Window) link(ev *detection.Event) {
	i, _ := slices.BinarySearchFunc(w.loose, ev, cmpEvents)
	w.loose = slices.Insert(w.loose, i, ev)
	w.byID[ev.ID] = ev
	edges := make(map[string]struct{})
	for _, other := range w.loose {
		if other.ID == ev.ID || !w.Related(ev, other) {
			continue
		}
		edges[other.ID] = struct{}{}
		w.adj[other.ID][ev.ID] = struct{}{}
	}
	w.adj[ev.ID] = edges
}

// detach removes an event from the loose buffer and the graph.
func (w *Window) detach(ev *detection.Event) {
	for other := range w.adj[ev.ID] {
		delete(w.adj[other], ev.ID)
	}
	delete(w.adj, ev.ID)
	delete(w.byID, ev.ID)
	if i := slices.Index(w.loose, ev); i >= 0 {
		w.loose = slices.Delete(w.loose, i, i+1)
	}
}

// component returns the loose connected component containing id.
func (w *Window) component(id string) []*detection.Event {
	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []*detection.Event
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, w.byID[cur])
		for next := range w.adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	slices.SortFunc(out, cmpEvents)
	return out
}

// pickGroup returns the open group ev should join: among groups with a
// member related to ev, the earliest opened, then the smaller id.
func (w *Window) pickGroup(ev *detection.Event) *detection.Group {
	var best *detection.Group
	for _, g := range w.open {
		if !slices.ContainsFunc(g.Members, func(m *detection.Event) bool { return w.Related(ev, m) }) {
			continue
		}
		if best == nil || g.FirstSeen.Before(best.FirstSeen) ||
			(g.FirstSeen.Equal(best.FirstSeen) && g.ID < best.ID) {
			best = g
		}
	}
	return best
}

func distinctLocators(evs []*detection.Event) int {
	seen := make(map[detection.Locator]struct{}, len(evs))
	for _, ev := range evs {
		seen[ev.Locator] = struct{}{}
	}
	return len(seen)
}

func cmpEvents(a, b *detection.Event) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}

func sortTargets(ts []detection.Target) {
	slices.SortStableFunc(ts, func(a, b detection.Target) int {
		if c := a.Trigger().Compare(b.Trigger()); c != 0 {
			return c
		}
		switch {
		case a.Seq() < b.Seq():
			return -1
		case a.Seq() > b.Seq():
			return 1
		}
		return 0
	})
}
