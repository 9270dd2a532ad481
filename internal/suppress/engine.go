// Package suppress withholds dispatch of alert patterns that were recently
// closed by a human, and tracks the false-positive breaker that lowers a
// session's sensitivity.
package suppress

import (
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
)

type studentKey struct {
	loc  detection.Locator
	kind detection.Kind
}

// pairKey is ordered so (a,b) and (b,a) collide.
type pairKey struct {
	a, b detection.Locator
}

func newPairKey(x, y detection.Locator) pairKey {
	if y.Less(x) {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// Verdict explains a suppression decision.
type Verdict struct {
	Suppressed bool
	Until      time.Time
	Reason     string
}

// Engine is one session's suppression state. It is owned by the session
// goroutine and is not safe for concurrent use.
type Engine struct {
	conf     config.SuppressionConf
	students map[studentKey]time.Time
	pairs    map[pairKey]time.Time

	falsePositives []time.Time
	tripped        bool
}

func New(conf config.SuppressionConf) *Engine {
	return &Engine{
		conf:     conf,
		students: make(map[studentKey]time.Time),
		pairs:    make(map[pairKey]time.Time),
	}
}

// Check reports whether a new alert for t should be muted. The triggering
// timestamp is compared against the cool-down expiry, so an event at
// expiry-1s is suppressed and one at expiry+1s is not, regardless of tier.
func (e *Engine) Check(t detection.Target) Verdict {
	at := t.Trigger()
	if t.Group != nil {
		locs := t.Group.Locators
		for i := range locs {
			for j := i + 1; j < len(locs); j++ {
				if until, ok := e.pairs[newPairKey(locs[i], locs[j])]; ok && at.Before(until) {
					return Verdict{
						Suppressed: true,
						Until:      until,
						Reason:     fmt.Sprintf("pair %s/%s closed recently, muted until %s", locs[i], locs[j], until.Format(time.RFC3339)),
					}
				}
			}
		}
		return Verdict{}
	}
	if t.Event == nil {
		return Verdict{}
	}
	k := studentKey{loc: t.Event.Locator, kind: t.Event.Kind}
	if until, ok := e.students[k]; ok && at.Before(until) {
		return Verdict{
			Suppressed: true,
			Until:      until,
			Reason:     fmt.Sprintf("%s for %s closed recently, muted until %s", k.kind, k.loc, until.Format(time.RFC3339)),
		}
	}
	return Verdict{}
}

// RecordOutcome registers the cool-down for a closed alert. falsePositive
// outcomes also feed the breaker; it returns true exactly once per session,
// when the breaker trips.
func (e *Engine) RecordOutcome(t detection.Target, falsePositive bool, at time.Time) bool {
	if t.Group != nil {
		until := at.Add(e.conf.PairCooldown)
		locs := t.Group.Locators
		for i := range locs {
			for j := i + 1; j < len(locs); j++ {
				extend(e.pairs, newPairKey(locs[i], locs[j]), until)
			}
		}
	} else if t.Event != nil {
		extend(e.students, studentKey{loc: t.Event.Locator, kind: t.Event.Kind}, at.Add(e.conf.StudentCooldown))
	}

	if !falsePositive {
		return false
	}
	e.falsePositives = append(e.falsePositives, at)
	cutoff := at.Add(-e.conf.BreakerWindow)
	n := 0
	for _, fp := range e.falsePositives {
		if fp.After(cutoff) {
			e.falsePositives[n] = fp
			n++
		}
	}
	e.falsePositives = e.falsePositives[:n]
	if !e.tripped && len(e.falsePositives) > e.conf.BreakerThreshold {
		e.tripped = true
		return true
	}
	return false
}

// Reduced reports whether the session runs with raised thresholds.
func (e *Engine) Reduced() bool { return e.tripped }

// FalsePositives returns the number of false positives inside the rolling window.
func (e *Engine) FalsePositives() int { return len(e.falsePositives) }

// Sweep evicts entries that expired at or before cutoff and returns how many
// were removed. Callers pass a cutoff that lags the clock by the correlation
// slack so events still in flight see the entries they were raised under.
func (e *Engine) Sweep(cutoff time.Time) int {
	n := 0
	for k, until := range e.students {
		if !until.After(cutoff) {
			delete(e.students, k)
			n++
		}
	}
	for k, until := range e.pairs {
		if !until.After(cutoff) {
			delete(e.pairs, k)
			n++
		}
	}
	return n
}

// Len returns the number of live suppression entries.
func (e *Engine) Len() int { return len(e.students) + len(e.pairs) }

func extend[K comparable](m map[K]time.Time, k K, until time.Time) {
	if cur, ok := m[k]; !ok || until.After(cur) {
		m[k] = until
	}
}
