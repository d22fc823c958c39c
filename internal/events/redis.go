package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crewtrain/internal/platform/logger"

	goredis "github.com/redis/go-redis/v9"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// RedisForwarder republishes bus events on a Redis channel so that the
// notification and certificate services can react to graded attempts and
// completed courses.
type RedisForwarder struct {
	log     *logger.Logger
	rdb     publisher
	channel string
}

func NewRedisClient(ctx context.Context, addr string) (*goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisForwarder(log *logger.Logger, rdb publisher, channel string) *RedisForwarder {
	if log == nil {
		log = logger.Nop()
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "crewtrain.events"
	}
	return &RedisForwarder{
		log:     log.With("service", "RedisForwarder"),
		rdb:     rdb,
		channel: channel,
	}
}

// Handle never fails the caller: downstream delivery is best effort.
func (f *RedisForwarder) Handle(ctx context.Context, ev Event) error {
	if f == nil || f.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		f.log.Warn("encode event", "kind", ev.Kind, "error", err)
		return nil
	}
	if err := f.rdb.Publish(ctx, f.channel, raw).Err(); err != nil {
		f.log.Warn("redis publish failed", "kind", ev.Kind, "channel", f.channel, "error", err)
	}
	return nil
}
