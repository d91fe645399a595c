package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis stores each run as one JSON document plus a set of active ids.
// Terminal runs expire after terminalTTL when it is positive.
type Redis struct {
	client      redis.UniversalClient
	prefix      string
	terminalTTL time.Duration
	logger      *zap.Logger
}

// NewRedis wraps client.
func NewRedis(client redis.UniversalClient, prefix string, terminalTTL time.Duration, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "research"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, terminalTTL: terminalTTL, logger: logger}
}

// Client exposes the connection, shared with the event mirror.
func (r *Redis) Client() redis.UniversalClient { return r.client }

func (r *Redis) runKey(id string) string { return fmt.Sprintf("%s:run:%s", r.prefix, id) }
func (r *Redis) activeKey() string       { return r.prefix + ":active" }

func (r *Redis) Save(ctx context.Context, run *models.WorkflowRun) error {
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if run.Status.Terminal() {
			p.Set(ctx, r.runKey(run.ID), b, r.terminalTTL)
			p.SRem(ctx, r.activeKey(), run.ID)
			return nil
		}
		p.Set(ctx, r.runKey(run.ID), b, 0)
		p.SAdd(ctx, r.activeKey(), run.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", run.ID, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, id string) (*models.WorkflowRun, error) {
	b, err := r.client.Get(ctx, r.runKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	var run models.WorkflowRun
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &run, nil
}

func (r *Redis) ListActive(ctx context.Context) ([]*models.WorkflowRun, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.runKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	out := make([]*models.WorkflowRun, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Document gone; drop the dangling id.
			r.client.SRem(ctx, r.activeKey(), ids[i])
			continue
		}
		var run models.WorkflowRun
		if err := json.Unmarshal([]byte(s), &run); err != nil {
			r.logger.Warn("Skipping unreadable workflow", zap.String("workflow_id", ids[i]), zap.Error(err))
			continue
		}
		if run.Status.Terminal() {
			continue
		}
		out = append(out, &run)
	}
	sortByCreated(out)
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.runKey(id))
		p.SRem(ctx, r.activeKey(), id)
		return nil
	})
	return err
}

func (r *Redis) Close() error { return r.client.Close() }
