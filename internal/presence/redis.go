package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	connectedSetKey = "presence:connected"
	presenceTTL     = 24 * time.Hour
)

// responderKey returns the hash holding one responder's presence record.
func responderKey(responderID string) string {
	return fmt.Sprintf("presence:responder:%s", responderID)
}

// RedisTracker shares presence between coordinator instances.
type RedisTracker struct {
	client *redis.Client
}

// NewRedisTracker connects to redisURL and verifies the connection.
func NewRedisTracker(ctx context.Context, redisURL string) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisTracker{client: client}, nil
}

// Close closes the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func (t *RedisTracker) MarkConnected(ctx context.Context, responderID string) error {
	return t.write(ctx, responderID, true)
}

func (t *RedisTracker) MarkDisconnected(ctx context.Context, responderID string) error {
	return t.write(ctx, responderID, false)
}

func (t *RedisTracker) write(ctx context.Context, responderID string, connected bool) error {
	key := responderKey(responderID)
	pipe := t.client.TxPipeline()
	if connected {
		pipe.SAdd(ctx, connectedSetKey, responderID)
	} else {
		pipe.SRem(ctx, connectedSetKey, responderID)
	}
	pipe.HSet(ctx, key,
		"connected", strconv.FormatBool(connected),
		"last_seen_at", time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ListConnected returns the connected subset of candidateIDs, preserving
// their order.
func (t *RedisTracker) ListConnected(ctx context.Context, candidateIDs []string) ([]string, error) {
	if len(candidateIDs) == 0 {
		return []string{}, nil
	}
	members := make([]interface{}, len(candidateIDs))
	for i, id := range candidateIDs {
		members[i] = id
	}
	flags, err := t.client.SMIsMember(ctx, connectedSetKey, members...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(candidateIDs))
	for i, ok := range flags {
		if ok {
			out = append(out, candidateIDs[i])
		}
	}
	return out, nil
}

func (t *RedisTracker) Get(ctx context.Context, responderID string) (Presence, bool, error) {
	vals, err := t.client.HGetAll(ctx, responderKey(responderID)).Result()
	if err != nil {
		return Presence{}, false, err
	}
	if len(vals) == 0 {
		return Presence{}, false, nil
	}
	connected, _ := strconv.ParseBool(vals["connected"])
	ms, _ := strconv.ParseInt(vals["last_seen_at"], 10, 64)
	return Presence{
		ResponderID: responderID,
		Connected:   connected,
		LastSeenAt:  time.UnixMilli(ms),
	}, true, nil
}
