package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/hermes/internal/model"
)

// RedisTransport delivers task envelopes through per-agent Redis lists and
// funnels results back through a shared list. Agents block on their own list
// with BRPOP; the server pumps the results list the same way.
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Transport = (*RedisTransport)(nil)

// NewRedis creates a Redis transport. Keys are namespaced under prefix,
// which defaults to "hermes".
func NewRedis(addr, prefix string, logger *slog.Logger) *RedisTransport {
	if prefix == "" {
		prefix = "hermes"
	}
	return &RedisTransport{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		logger: logger,
	}
}

// Ping verifies connectivity, for use at startup.
func (t *RedisTransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (t *RedisTransport) taskKey(agentID string) string {
	return fmt.Sprintf("%s:agent:%s:tasks", t.prefix, agentID)
}

func (t *RedisTransport) resultsKey() string {
	return t.prefix + ":results"
}

// Send pushes one task envelope onto the agent's queue.
func (t *RedisTransport) Send(ctx context.Context, agentID string, env TaskEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}
	if err := t.client.LPush(ctx, t.taskKey(agentID), payload).Err(); err != nil {
		return fmt.Errorf("push task envelope for agent %s: %w: %w", agentID, err, model.ErrTransport)
	}
	return nil
}

// PopTask blocks up to the given duration for the agent's next envelope.
// It returns nil with no error when the wait times out empty.
func (t *RedisTransport) PopTask(ctx context.Context, agentID string, block time.Duration) (*TaskEnvelope, error) {
	res, err := t.client.BRPop(ctx, block, t.taskKey(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop task envelope for agent %s: %w: %w", agentID, err, model.ErrTransport)
	}

	var env TaskEnvelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("decode task envelope: %w", err)
	}
	return &env, nil
}

// SubmitResult pushes a result envelope onto the shared results queue.
func (t *RedisTransport) SubmitResult(ctx context.Context, env *model.ResultEnvelope) error {
	payload, err := EncodeResult(env)
	if err != nil {
		return fmt.Errorf("marshal result envelope: %w", err)
	}
	if err := t.client.LPush(ctx, t.resultsKey(), payload).Err(); err != nil {
		return fmt.Errorf("push result envelope: %w: %w", err, model.ErrTransport)
	}
	return nil
}

// Pump consumes the results queue until ctx is canceled, handing each raw
// envelope to handle. Transient Redis failures are logged and retried after
// a short pause.
func (t *RedisTransport) Pump(ctx context.Context, handle func(context.Context, []byte)) error {
	for {
		res, err := t.client.BRPop(ctx, time.Second, t.resultsKey()).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("results pump read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		handle(ctx, []byte(res[1]))
	}
}

// Close releases the Redis connection.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
