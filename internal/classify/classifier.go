package classify

import (
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/hallwatch/internal/condition"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
)

// Decision is the outcome of classifying one target.
type Decision struct {
	Tier   Tier   `json:"tier"`
	RuleID string `json:"rule_id"`
}

// Sensitivity carries the thresholds in force for a session. Reduced is set
// once the session's false-positive breaker has tripped.
type Sensitivity struct {
	Thresholds config.Thresholds
	Reduced    bool
}

// Classifier evaluates the ordered rule list. It holds no per-session state;
// the caller passes the session's history and sensitivity.
type Classifier struct {
	rules         atomic.Pointer[RuleSet]
	window        time.Duration
	historyWindow time.Duration
}

// New creates a Classifier using the correlation window and history window from conf.
func New(rs *RuleSet, conf config.Config) *Classifier {
	c := &Classifier{
		window:        conf.Engine.Window,
		historyWindow: conf.Classifier.HistoryWindow,
	}
	c.rules.Store(rs)
	return c
}

// SwapRules atomically replaces the rule list (used on hot-reload).
func (c *Classifier) SwapRules(rs *RuleSet) { c.rules.Store(rs) }

// Rules returns the active rule set.
func (c *Classifier) Rules() *RuleSet { return c.rules.Load() }

// Classify walks the rules in order and returns the first match; tier_1 otherwise.
// A rule that references a field the target lacks (e.g. attr.duration) does not match.
func (c *Classifier) Classify(t detection.Target, h *History, s Sensitivity) Decision {
	ctx := &evalContext{target: t, history: h, sens: s, window: c.window, historyWindow: c.historyWindow}
	for _, r := range c.rules.Load().rules {
		ok, err := condition.Evaluate(r.expr, ctx)
		if err != nil || !ok {
			continue
		}
		return Decision{Tier: r.Tier, RuleID: r.ID}
	}
	return Decision{Tier: Tier1, RuleID: DefaultRuleID}
}

// evalContext implements condition.EvalContext over a target.
type evalContext struct {
	target        detection.Target
	history       *History
	sens          Sensitivity
	window        time.Duration
	historyWindow time.Duration
}

func (c *evalContext) Resolve(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	t := c.target
	switch path[0] {
	case "grouped":
		return t.IsGroup(), true
	case "kind":
		return t.KindName(), true
	case "severity":
		return string(t.Severity()), true
	case "students":
		return len(t.Locators()), true
	case "confidence":
		if t.Event == nil {
			return nil, false
		}
		return t.Event.Confidence, true
	case "device":
		if t.Event == nil {
			return nil, false
		}
		return t.Event.DeviceID, true
	case "attr":
		if t.Event == nil || len(path) != 2 {
			return nil, false
		}
		if path[1] == "duration" {
			d, ok := t.Event.Duration()
			return d, ok
		}
		v, ok := t.Event.Attributes[path[1]]
		return v, ok
	case "history":
		if len(path) != 2 || c.history == nil {
			return nil, false
		}
		at := t.Trigger()
		switch path[1] {
		case "student":
			if t.Event == nil {
				return 0, true
			}
			return c.history.CountStudent(t.Event.Locator, at.Add(-c.historyWindow), at), true
		case "concurrent":
			return c.history.CountAll(at.Add(-c.window), at), true
		}
	case "threshold":
		if len(path) != 2 {
			return nil, false
		}
		th := c.sens.Thresholds
		switch path[1] {
		case "duration":
			return th.DurationSeconds, true
		case "repeat":
			return th.RepeatCount, true
		case "concurrent":
			return th.ConcurrentCount, true
		}
	case "session":
		if len(path) == 2 && path[1] == "reduced" {
			return c.sens.Reduced, true
		}
	}
	return nil, false
}
