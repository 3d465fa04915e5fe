package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
)

// AccountSnapshot is the cached, read-only view of an account used for
// balance display. It is never consulted when debiting.
type AccountSnapshot struct {
	ID          uint       `json:"id"`
	Email       string     `json:"email"`
	Credits     int        `json:"credits"`
	Plan        string     `json:"plan"`
	Unlimited   bool       `json:"unlimited"`
	LastResetAt *time.Time `json:"last_reset_at,omitempty"`
}

// AccountCache is a short-TTL read-through cache over account snapshots.
type AccountCache struct {
	store Store
	ttl   time.Duration
	log   *zap.Logger
}

func NewAccountCache(store Store, ttl time.Duration, log *zap.Logger) *AccountCache {
	if store == nil {
		store = NoopStore{}
	}
	return &AccountCache{store: store, ttl: ttl, log: logging.OrNop(log).Named("cache")}
}

// Invalidations also rotate a per-account version so a load that raced a
// ledger write does not leave its stale snapshot behind.
const versionTTL = 24 * time.Hour

func accountKey(accountID uint) string {
	return fmt.Sprintf("account:%d", accountID)
}

func versionKey(accountID uint) string {
	return fmt.Sprintf("account:%d:v", accountID)
}

func (c *AccountCache) version(ctx context.Context, accountID uint) string {
	raw, ok, err := c.store.Get(ctx, versionKey(accountID))
	if err != nil || !ok {
		return ""
	}
	return string(raw)
}

// Get returns the cached snapshot or calls load and caches its result.
// Backend failures degrade to a direct load.
func (c *AccountCache) Get(ctx context.Context, accountID uint, load func(ctx context.Context) (*AccountSnapshot, error)) (*AccountSnapshot, error) {
	key := accountKey(accountID)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		var snap AccountSnapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return &snap, nil
		}
		_ = c.store.Delete(ctx, key)
	}

	before := c.version(ctx, accountID)
	snap, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if c.version(ctx, accountID) != before {
		return snap, nil
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		return snap, nil
	}
	if err := c.store.Set(ctx, key, encoded, c.ttl); err != nil {
		c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return snap, nil
	}
	if c.version(ctx, accountID) != before {
		_ = c.store.Delete(ctx, key)
	}
	return snap, nil
}

// InvalidateAccount drops the snapshot after a ledger write. The version is
// rotated before the delete.
func (c *AccountCache) InvalidateAccount(ctx context.Context, accountID uint) {
	if err := c.store.Set(ctx, versionKey(accountID), []byte(uuid.NewString()), versionTTL); err != nil {
		c.log.Warn("cache version bump failed", zap.Uint("account_id", accountID), zap.Error(err))
	}
	if err := c.store.Delete(ctx, accountKey(accountID)); err != nil {
		c.log.Warn("cache invalidate failed", zap.Uint("account_id", accountID), zap.Error(err))
	}
}
