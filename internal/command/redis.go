package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistory stores the per-principal stacks in Redis lists so undo
// history survives server restarts and is shared across replicas.
type RedisHistory struct {
	client *redis.Client
	prefix string
}

// NewRedisHistory connects to redisURL and verifies the connection.
func NewRedisHistory(redisURL string) (*RedisHistory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisHistory{client: client, prefix: "history:"}, nil
}

// NewRedisHistoryWithClient wraps an existing client, used in tests.
func NewRedisHistoryWithClient(client *redis.Client) *RedisHistory {
	return &RedisHistory{client: client, prefix: "history:"}
}

func (h *RedisHistory) undoKey(principal string) string {
	return h.prefix + "undo:" + principal
}

func (h *RedisHistory) redoKey(principal string) string {
	return h.prefix + "redo:" + principal
}

func (h *RedisHistory) push(ctx context.Context, key string, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := h.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("push command: %w", err)
	}
	return nil
}

func (h *RedisHistory) pop(ctx context.Context, key string, emptyErr error) (Command, error) {
	data, err := h.client.LPop(ctx, key).Result()
	if err == redis.Nil {
		return Command{}, emptyErr
	}
	if err != nil {
		return Command{}, fmt.Errorf("pop command: %w", err)
	}
	var cmd Command
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		return Command{}, fmt.Errorf("unmarshal command: %w", err)
	}
	return cmd, nil
}

func (h *RedisHistory) PushUndo(ctx context.Context, principal string, cmd Command) error {
	return h.push(ctx, h.undoKey(principal), cmd)
}

func (h *RedisHistory) PopUndo(ctx context.Context, principal string) (Command, error) {
	return h.pop(ctx, h.undoKey(principal), fmt.Errorf("principal %s: %w", principal, ErrEmptyHistory))
}

func (h *RedisHistory) PushRedo(ctx context.Context, principal string, cmd Command) error {
	return h.push(ctx, h.redoKey(principal), cmd)
}

func (h *RedisHistory) PopRedo(ctx context.Context, principal string) (Command, error) {
	return h.pop(ctx, h.redoKey(principal), fmt.Errorf("principal %s: %w", principal, ErrEmptyRedoStack))
}

func (h *RedisHistory) ClearRedo(ctx context.Context, principal string) error {
	if err := h.client.Del(ctx, h.redoKey(principal)).Err(); err != nil {
		return fmt.Errorf("clear redo stack: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (h *RedisHistory) Close() error {
	return h.client.Close()
}
