package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
)

// Redis keeps assignments and rosters in Redis so several engine replicas
// and the hall provisioning tools share one view.
//
// Layout:
//
//	<prefix>:assign:<session>        string, JSON Recipient
//	<prefix>:referees:<institution>  hash, recipient id -> JSON Recipient
//	<prefix>:admins:<institution>    hash, recipient id -> JSON Recipient
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, conf config.RedisConf) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis directory %s: %w", conf.Addr, err)
	}
	return &Redis{rdb: rdb, prefix: conf.Prefix}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Seed writes the configured rosters. Existing roster entries not in seeds are left alone.
func (r *Redis) Seed(ctx context.Context, seeds []config.InstitutionDef) error {
	pipe := r.rdb.TxPipeline()
	for _, inst := range seeds {
		for _, rc := range fromDefs(inst.Referees, RoleReferee) {
			b, _ := json.Marshal(rc)
			pipe.HSet(ctx, r.key("referees", inst.ID), rc.ID, b)
		}
		for _, rc := range fromDefs(inst.Admins, RoleAdmin) {
			b, _ := json.Marshal(rc)
			pipe.HSet(ctx, r.key("admins", inst.ID), rc.ID, b)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seed directory: %w", err)
	}
	return nil
}

func (r *Redis) Responsible(ctx context.Context, sessionID string) (Recipient, error) {
	b, err := r.rdb.Get(ctx, r.key("assign", sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Recipient{}, ErrNoAssignment
	}
	if err != nil {
		return Recipient{}, fmt.Errorf("lookup responsible %s: %w", sessionID, err)
	}
	var rc Recipient
	if err := json.Unmarshal(b, &rc); err != nil {
		return Recipient{}, fmt.Errorf("decode assignment %s: %w", sessionID, err)
	}
	return rc, nil
}

func (r *Redis) Referees(ctx context.Context, institution string) ([]Recipient, error) {
	return r.roster(ctx, r.key("referees", institution))
}

func (r *Redis) Admins(ctx context.Context, institution string) ([]Recipient, error) {
	return r.roster(ctx, r.key("admins", institution))
}

func (r *Redis) Assign(ctx context.Context, sessionID string, rc Recipient) error {
	rc.Role = RoleInvigilator
	rc.Active = true
	b, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key("assign", sessionID), b, 0).Err(); err != nil {
		return fmt.Errorf("assign %s: %w", sessionID, err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, r.key("assign", sessionID)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", sessionID, err)
	}
	return nil
}

func (r *Redis) roster(ctx context.Context, key string) ([]Recipient, error) {
	vals, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", key, err)
	}
	out := make([]Recipient, 0, len(vals))
	for id, v := range vals {
		var rc Recipient
		if err := json.Unmarshal([]byte(v), &rc); err != nil {
			return nil, fmt.Errorf("decode roster entry %s: %w", id, err)
		}
		out = append(out, rc)
	}
	return active(out), nil
}
