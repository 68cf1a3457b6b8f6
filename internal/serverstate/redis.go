package serverstate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKey = "testweaver:relay:state"

// redisStore implements Store backed by a Redis instance.
type redisStore struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

// NewRedisStore connects to the given Redis address and returns a Store.
// addr may be a plain host:port or a redis:// / rediss:// URL. The key is
// initialized to a default state if it does not exist.
func NewRedisStore(addr string) (*redisStore, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		var err error
		opts, err = redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
	} else {
		opts = &redis.Options{Addr: addr}
	}
	c := redis.NewClient(opts)
	rs := &redisStore{client: c, key: redisKey, ctx: context.Background()}
	if err := c.Ping(rs.ctx).Err(); err != nil {
		return nil, err
	}
	b, _ := json.Marshal(State{Status: "ok"})
	_ = c.SetNX(rs.ctx, rs.key, b, 0).Err()
	return rs, nil
}

func (r *redisStore) Load() State {
	b, err := r.client.Get(r.ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return State{Status: "ok"}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = r.client.Set(r.ctx, r.key, b, 0).Err()
}
