package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gyaneshwarpardhi/hallwatch/internal/condition"
)

// Validate checks the config for:
//   - Required fields and positive durations/limits
//   - Window geometry (late tolerance must fit inside the correlation window)
//   - Rule list: unique IDs, parseable expressions, known tiers
//   - Directory and channel settings for the selected backends
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if cfg.Version == "" {
		add("version is required")
	}

	e := cfg.Engine
	if e.Window <= 0 {
		add("engine.window must be positive")
	}
	if e.LateTolerance < 0 || e.LateTolerance >= e.Window {
		add("engine.late_tolerance (%v) must be in [0, window)", e.LateTolerance)
	}
	if e.DedupWindow < 0 {
		add("engine.dedup_window must not be negative")
	}
	if e.NeighborDistance < 0 {
		add("engine.neighbor_distance must not be negative")
	}
	if e.TickInterval <= 0 || e.TickInterval > e.Window {
		add("engine.tick_interval (%v) must be in (0, window]", e.TickInterval)
	}

	c := cfg.Classifier
	if c.HistoryWindow < e.Window {
		add("classifier.history_window (%v) must cover the correlation window", c.HistoryWindow)
	}
	for name, th := range map[string]Thresholds{"normal": c.Normal, "reduced": c.Reduced} {
		if th.DurationSeconds <= 0 || th.RepeatCount < 1 || th.ConcurrentCount < 1 {
			add("classifier.%s thresholds must be positive", name)
		}
	}
	if c.Reduced.DurationSeconds < c.Normal.DurationSeconds ||
		c.Reduced.RepeatCount < c.Normal.RepeatCount ||
		c.Reduced.ConcurrentCount < c.Normal.ConcurrentCount {
		add("classifier.reduced thresholds must not be below normal thresholds")
	}
	ids := make(map[string]int)
	for i, r := range c.Rules {
		loc := fmt.Sprintf("classifier.rules[%d]", i)
		if r.ID == "" {
			add("%s: id is required", loc)
		} else if prev, ok := ids[r.ID]; ok {
			add("%s: duplicate id %q (first seen at rules[%d])", loc, r.ID, prev)
		} else {
			ids[r.ID] = i
		}
		if r.Tier != "tier_1" && r.Tier != "tier_2" {
			add("%s: tier must be tier_1 or tier_2, got %q", loc, r.Tier)
		}
		if r.Expression == "" {
			add("%s: expression is required", loc)
		} else if _, err := condition.Parse(r.Expression); err != nil {
			add("%s: parse %q: %v", loc, r.Expression, err)
		}
	}

	s := cfg.Suppression
	if s.StudentCooldown <= 0 || s.PairCooldown <= 0 || s.BreakerWindow <= 0 {
		add("suppression cooldowns and breaker_window must be positive")
	}
	if s.BreakerThreshold < 1 {
		add("suppression.breaker_threshold must be at least 1")
	}

	d := cfg.Dispatch
	if d.Workers < 1 || d.QueueDepth < 1 {
		add("dispatch.workers and dispatch.queue_depth must be at least 1")
	}
	if d.MaxAttempts < 1 {
		add("dispatch.max_attempts must be at least 1")
	}
	if d.AttemptTimeout <= 0 {
		add("dispatch.attempt_timeout must be positive")
	}

	switch cfg.Directory.Backend {
	case "static":
	case "redis":
		if cfg.Directory.Redis.Addr == "" {
			add("directory.redis.addr is required for the redis backend")
		}
	default:
		add("directory.backend must be static or redis, got %q", cfg.Directory.Backend)
	}
	seen := make(map[string]bool)
	for i, inst := range cfg.Directory.Institutions {
		if inst.ID == "" {
			add("directory.institutions[%d]: id is required", i)
			continue
		}
		if seen[inst.ID] {
			add("directory.institutions[%d]: duplicate id %q", i, inst.ID)
		}
		seen[inst.ID] = true
		for j, r := range append(append([]RecipientDef{}, inst.Referees...), inst.Admins...) {
			if r.ID == "" {
				add("directory.institutions[%d] (%s): recipient %d has no id", i, inst.ID, j)
			}
		}
	}

	if m := cfg.Channels.MQTT; m.Enabled {
		if m.Broker == "" {
			add("channels.mqtt.broker is required when mqtt is enabled")
		}
		if m.QoS > 2 {
			add("channels.mqtt.qos must be 0, 1 or 2")
		}
	}
	if sh := cfg.Channels.Shoutrrr; sh.Enabled {
		if len(sh.URLs) == 0 {
			add("channels.shoutrrr.urls must not be empty when shoutrrr is enabled")
		}
		for i, raw := range sh.URLs {
			if u, err := url.Parse(raw); err != nil || u.Scheme == "" {
				add("channels.shoutrrr.urls[%d]: not a service URL", i)
			}
		}
	}

	if cfg.Audit.Path == "" {
		add("audit.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
