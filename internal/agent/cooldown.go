package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const cooldownKeyPrefix = "cooldown:"

// CooldownStore is the slice of the persistence layer the table needs to
// survive restarts. Persistence is advisory: a lost entry only means one
// extra attempt against a rate-limited agent.
type CooldownStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVList(ctx context.Context, prefix string) (map[string]string, error)
	KVDelete(ctx context.Context, key string) error
}

// CooldownTable tracks agents that recently hit a rate limit. Entries are
// keyed by agent identity, not by task: the agent id plus a hash of the
// credential-bearing config dir and flags, so two agents sharing an account
// cool down together while separate accounts stay independent.
type CooldownTable struct {
	mu      sync.Mutex
	until   map[string]time.Time
	ttl     time.Duration
	store   CooldownStore // may be nil
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewCooldownTable(ttl time.Duration, store CooldownStore, logger *slog.Logger) *CooldownTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &CooldownTable{
		until:   make(map[string]time.Time),
		ttl:     ttl,
		store:   store,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Key derives the cooldown identity for an agent invocation.
func Key(agentID, configDir string, flags []string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(configDir))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.Join(flags, "\x00")))
	return fmt.Sprintf("%s:%x", agentID, h.Sum64())
}

// Set records a rate-limit hit for the agent identity.
func (t *CooldownTable) Set(ctx context.Context, agentID, configDir string, flags []string) {
	key := Key(agentID, configDir, flags)
	expiry := t.nowFunc().Add(t.ttl)

	t.mu.Lock()
	t.until[key] = expiry
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.KVSet(ctx, cooldownKeyPrefix+key, expiry.UTC().Format(time.RFC3339)); err != nil {
			t.logger.Warn("cooldown persist failed", "key", key, "error", err)
		}
	}
	t.logger.Info("cooldown set", "agent_id", agentID, "key", key, "until", expiry.UTC().Format(time.RFC3339))
}

// Active reports whether the agent identity is still cooling down. Expired
// entries are pruned on the way out.
func (t *CooldownTable) Active(ctx context.Context, agentID, configDir string, flags []string) bool {
	key := Key(agentID, configDir, flags)
	now := t.nowFunc()

	t.mu.Lock()
	expiry, ok := t.until[key]
	if ok && !now.Before(expiry) {
		delete(t.until, key)
		ok = false
	}
	t.mu.Unlock()

	if !ok && t.store != nil {
		if err := t.store.KVDelete(ctx, cooldownKeyPrefix+key); err != nil {
			t.logger.Warn("cooldown prune failed", "key", key, "error", err)
		}
	}
	return ok
}

// Load restores persisted cooldowns on startup, skipping expired ones.
func (t *CooldownTable) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	entries, err := t.store.KVList(ctx, cooldownKeyPrefix)
	if err != nil {
		return fmt.Errorf("load cooldowns: %w", err)
	}
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()
	for fullKey, val := range entries {
		expiry, err := time.Parse(time.RFC3339, val)
		if err != nil || !now.Before(expiry) {
			continue
		}
		key := strings.TrimPrefix(fullKey, cooldownKeyPrefix)
		t.until[key] = expiry
	}
	t.logger.Info("cooldowns restored", "count", len(t.until))
	return nil
}
