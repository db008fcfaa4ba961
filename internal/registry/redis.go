package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectionTTL = 2 * time.Hour

// Redis persists connection ids and subscription preferences in Redis for
// deployments where the subscriber store is shared across processes.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects and verifies the Redis subscriber store.
func NewRedis(ctx context.Context, host, port, password string, db int, timeout time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    password,
		DB:          db,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return &Redis{Client: client}, nil
}

func connKey(connectionID string) string { return "timeline:conn:" + connectionID }
func subKey(connectionID string) string  { return "timeline:sub:" + connectionID }

func (r *Redis) Connect(ctx context.Context, connectionID string) error {
	return r.Client.Set(ctx, connKey(connectionID), time.Now().UTC().Format(time.RFC3339), connectionTTL).Err()
}

func (r *Redis) Disconnect(ctx context.Context, connectionID string) error {
	return r.Client.Del(ctx, connKey(connectionID), subKey(connectionID)).Err()
}

func (r *Redis) Subscribe(ctx context.Context, connectionID string, preferences map[string]any) error {
	raw, err := json.Marshal(preferences)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, subKey(connectionID), raw, connectionTTL).Err()
}
