package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version     string          `yaml:"version"`
	Log         LogConf         `yaml:"log"`
	Engine      EngineConf      `yaml:"engine"`
	Classifier  ClassifierConf  `yaml:"classifier"`
	Suppression SuppressionConf `yaml:"suppression"`
	Dispatch    DispatchConf    `yaml:"dispatch"`
	Directory   DirectoryConf   `yaml:"directory"`
	Channels    ChannelsConf    `yaml:"channels"`
	Audit       AuditConf       `yaml:"audit"`
}

type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// EngineConf holds the per-session pipeline settings.
type EngineConf struct {
	Window           time.Duration `yaml:"window"`            // correlation horizon W
	LateTolerance    time.Duration `yaml:"late_tolerance"`    // max clock skew / late arrival
	DedupWindow      time.Duration `yaml:"dedup_window"`      // analyzer retry absorption
	DedupCapacity    int           `yaml:"dedup_capacity"`    // per-session bound
	NeighborDistance int           `yaml:"neighbor_distance"` // seats, Chebyshev
	TickInterval     time.Duration `yaml:"tick_interval"`
	MailboxDepth     int           `yaml:"mailbox_depth"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	LookupTimeout    time.Duration `yaml:"lookup_timeout"`
	AssignmentRetry  time.Duration `yaml:"assignment_retry"`
}

// Thresholds are the tunable limits of the duration, repeat and concurrency rules.
type Thresholds struct {
	DurationSeconds float64 `yaml:"duration_seconds" json:"duration_seconds"`
	RepeatCount     int     `yaml:"repeat_count" json:"repeat_count"`
	ConcurrentCount int     `yaml:"concurrent_count" json:"concurrent_count"`
}

type ClassifierConf struct {
	HistoryWindow time.Duration `yaml:"history_window"`
	Normal        Thresholds    `yaml:"normal"`
	Reduced       Thresholds    `yaml:"reduced"` // applied once the session's breaker trips
	Rules         []RuleDef     `yaml:"rules"`   // empty = built-in rule list
}

// RuleDef is one entry of the ordered tier rule list. The first matching rule wins.
type RuleDef struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description,omitempty"`
	Expression  string `yaml:"expression" json:"expression"`
	Tier        string `yaml:"tier" json:"tier"`
}

type SuppressionConf struct {
	StudentCooldown  time.Duration `yaml:"student_cooldown"`
	PairCooldown     time.Duration `yaml:"pair_cooldown"`
	BreakerThreshold int           `yaml:"breaker_threshold"` // trips when exceeded
	BreakerWindow    time.Duration `yaml:"breaker_window"`
}

type DispatchConf struct {
	Workers        int           `yaml:"workers"`
	QueueDepth     int           `yaml:"queue_depth"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type DirectoryConf struct {
	Backend      string           `yaml:"backend"` // static | redis
	Redis        RedisConf        `yaml:"redis"`
	Institutions []InstitutionDef `yaml:"institutions"`
}

type RedisConf struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// InstitutionDef seeds the static directory.
type InstitutionDef struct {
	ID       string         `yaml:"id"`
	Referees []RecipientDef `yaml:"referees"`
	Admins   []RecipientDef `yaml:"admins"`
}

type RecipientDef struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Active *bool  `yaml:"active"` // nil = active
}

type ChannelsConf struct {
	MQTT     MQTTConf     `yaml:"mqtt"`
	Shoutrrr ShoutrrrConf `yaml:"shoutrrr"`
}

type MQTTConf struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
}

type ShoutrrrConf struct {
	Enabled bool          `yaml:"enabled"`
	URLs    []string      `yaml:"urls"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuditConf struct {
	Path string `yaml:"path"` // sqlite file; ":memory:" for ephemeral
}
