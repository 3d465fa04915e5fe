// Package counter keeps webhook outcome counters per processor. With Redis
// the counts are shared by all instances; without it they are per process.
package counter

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
)

const webhookOutcomesKey = "webhook:counters:outcomes"

type WebhookCounter struct {
	rdb redis.Cmdable
	log *zap.Logger

	mu  sync.Mutex
	mem map[string]int64
}

// NewWebhookCounter counts in Redis when rdb is set, in memory otherwise.
func NewWebhookCounter(rdb redis.Cmdable, log *zap.Logger) *WebhookCounter {
	return &WebhookCounter{rdb: rdb, log: logging.OrNop(log).Named("counter"), mem: map[string]int64{}}
}

func field(processor, outcome string) string {
	return processor + ":" + outcome
}

// RecordWebhookOutcome increments the counter. Counting never fails the
// webhook; Redis errors are logged only.
func (c *WebhookCounter) RecordWebhookOutcome(ctx context.Context, processor, outcome string) {
	f := field(processor, outcome)
	if c.rdb == nil {
		c.mu.Lock()
		c.mem[f]++
		c.mu.Unlock()
		return
	}
	if err := c.rdb.HIncrBy(ctx, webhookOutcomesKey, f, 1).Err(); err != nil {
		c.log.Warn("failed to count webhook outcome", zap.String("field", f), zap.Error(err))
	}
}

// Snapshot returns counts keyed by processor, then outcome.
func (c *WebhookCounter) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	raw := map[string]int64{}
	if c.rdb == nil {
		c.mu.Lock()
		for k, v := range c.mem {
			raw[k] = v
		}
		c.mu.Unlock()
	} else {
		data, err := c.rdb.HGetAll(ctx, webhookOutcomesKey).Result()
		if err != nil {
			return nil, err
		}
		for k, v := range data {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			raw[k] = n
		}
	}

	out := map[string]map[string]int64{}
	for k, v := range raw {
		processor, outcome, ok := strings.Cut(k, ":")
		if !ok {
			continue
		}
		if out[processor] == nil {
			out[processor] = map[string]int64{}
		}
		out[processor][outcome] = v
	}
	return out, nil
}

// Reset drops all counters.
func (c *WebhookCounter) Reset(ctx context.Context) error {
	if c.rdb == nil {
		c.mu.Lock()
		c.mem = map[string]int64{}
		c.mu.Unlock()
		return nil
	}
	return c.rdb.Del(ctx, webhookOutcomesKey).Err()
}
