package classify

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/hallwatch/internal/condition"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
)

// Tier is the alert priority class that decides recipient scope.
type Tier string

const (
	Tier1 Tier = "tier_1" // invigilator only
	Tier2 Tier = "tier_2" // invigilator + referees
)

func (t Tier) Valid() bool { return t == Tier1 || t == Tier2 }

// DefaultRuleID names the implicit final rule.
const DefaultRuleID = "default"

// Rule is one compiled entry of the ordered rule list.
type Rule struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Tier        Tier   `json:"tier"`
	expr        condition.Expr
}

// RuleSet is immutable once built; reloads build a new one and swap it in.
type RuleSet struct {
	rules []Rule
}

// Rules returns a copy of the ordered rule list.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// DefaultRules is the built-in ordered list. Order matters: grouped, high
// severity and coordinated signals must win over looser rules.
func DefaultRules() []config.RuleDef {
	return []config.RuleDef{
		{ID: "grouped", Description: "correlated multi-student group", Expression: "grouped == true", Tier: string(Tier2)},
		{ID: "high_severity", Description: "analyzer flagged high severity", Expression: `severity == "high"`, Tier: string(Tier2)},
		{ID: "long_duration", Description: "behaviour lasted longer than the duration threshold", Expression: "attr.duration > threshold.duration", Tier: string(Tier2)},
		{ID: "repeat_offender", Description: "same student flagged repeatedly within the history window", Expression: "history.student >= threshold.repeat", Tier: string(Tier2)},
		{ID: "concurrent_burst", Description: "several students flagged within one correlation window", Expression: "history.concurrent >= threshold.concurrent", Tier: string(Tier2)},
	}
}

var knownFields = map[string]bool{
	"grouped":              true,
	"kind":                 true,
	"severity":             true,
	"confidence":           true,
	"students":             true,
	"device":               true,
	"history.student":      true,
	"history.concurrent":   true,
	"threshold.duration":   true,
	"threshold.repeat":     true,
	"threshold.concurrent": true,
	"session.reduced":      true,
}

// Build compiles rule definitions. An empty list yields DefaultRules.
// All expressions are parsed here; nothing is parsed at classification time.
func Build(defs []config.RuleDef) (*RuleSet, error) {
	if len(defs) == 0 {
		defs = DefaultRules()
	}
	rs := &RuleSet{rules: make([]Rule, 0, len(defs))}
	for _, d := range defs {
		tier := Tier(d.Tier)
		if !tier.Valid() {
			return nil, fmt.Errorf("rule %s: unknown tier %q", d.ID, d.Tier)
		}
		expr, err := condition.Parse(d.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s: parse %q: %w", d.ID, d.Expression, err)
		}
		for _, f := range condition.Fields(expr) {
			if !knownFields[f] && !strings.HasPrefix(f, "attr.") {
				return nil, fmt.Errorf("rule %s: unknown field %q", d.ID, f)
			}
		}
		rs.rules = append(rs.rules, Rule{
			ID:          d.ID,
			Description: d.Description,
			Expression:  d.Expression,
			Tier:        tier,
			expr:        expr,
		})
	}
	return rs, nil
}
