// Package redisinapp stores in-app notifications in per-user Redis lists and
// publishes them for live subscribers.
package redisinapp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carepath/clinsafe/internal/domain/alerting"
)

// Config bounds each user's inbox
type Config struct {
	MaxItems int64
	TTL      time.Duration
}

func DefaultConfig() Config {
	return Config{MaxItems: 200, TTL: 30 * 24 * time.Hour}
}

// Inbox implements alerting.InAppSender and alerting.InboxReader
type Inbox struct {
	rdb redis.UniversalClient
	cfg Config
}

var (
	_ alerting.InAppSender = (*Inbox)(nil)
	_ alerting.InboxReader = (*Inbox)(nil)
)

// New wraps a connected client
func New(rdb redis.UniversalClient, cfg Config) *Inbox {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultConfig().MaxItems
	}
	return &Inbox{rdb: rdb, cfg: cfg}
}

// Connect parses a redis:// URL and pings the server
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func inboxKey(userID string) string { return fmt.Sprintf("inapp:inbox:%s", userID) }
func channelName(userID string) string { return fmt.Sprintf("inapp:events:%s", userID) }

// SendInApp pushes n onto the user's inbox, trims it and publishes it
func (b *Inbox) SendInApp(ctx context.Context, n alerting.InAppNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode in-app notification: %w", err)
	}

	key := inboxKey(n.UserID)
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, b.cfg.MaxItems-1)
		if b.cfg.TTL > 0 {
			p.Expire(ctx, key, b.cfg.TTL)
		}
		p.Publish(ctx, channelName(n.UserID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store in-app notification: %w", err)
	}
	return nil
}

// List returns up to limit notifications, newest first
func (b *Inbox) List(ctx context.Context, userID string, limit int) ([]alerting.InAppNotification, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := b.rdb.LRange(ctx, inboxKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read in-app inbox: %w", err)
	}

	out := make([]alerting.InAppNotification, 0, len(raw))
	for _, item := range raw {
		var n alerting.InAppNotification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			return nil, fmt.Errorf("decode in-app notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Subscribe streams notifications published for userID until ctx is done
func (b *Inbox) Subscribe(ctx context.Context, userID string) (<-chan alerting.InAppNotification, error) {
	sub := b.rdb.Subscribe(ctx, channelName(userID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe in-app events: %w", err)
	}

	out := make(chan alerting.InAppNotification)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var n alerting.InAppNotification
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
