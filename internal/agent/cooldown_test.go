package agent

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) KVSet(_ context.Context, key, val string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	return nil
}

func (f *fakeKV) KVList(_ context.Context, prefix string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fakeKV) KVDelete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func TestCooldownSetAndExpiry(t *testing.T) {
	ctx := context.Background()
	table := NewCooldownTable(time.Hour, nil, nil)
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	table.nowFunc = func() time.Time { return now }

	if table.Active(ctx, "claude", "/cfg", nil) {
		t.Fatal("fresh table should have no active cooldowns")
	}

	table.Set(ctx, "claude", "/cfg", nil)
	if !table.Active(ctx, "claude", "/cfg", nil) {
		t.Fatal("expected cooldown to be active")
	}

	// Same agent, different config dir: separate identity.
	if table.Active(ctx, "claude", "/other", nil) {
		t.Fatal("different config dir should not share the cooldown")
	}

	now = now.Add(time.Hour + time.Second)
	if table.Active(ctx, "claude", "/cfg", nil) {
		t.Fatal("cooldown should have expired")
	}
}

func TestCooldownKeyIdentity(t *testing.T) {
	a := Key("claude", "/cfg", []string{"--fast"})
	b := Key("claude", "/cfg", []string{"--fast"})
	if a != b {
		t.Errorf("same inputs produced different keys: %s vs %s", a, b)
	}
	if Key("claude", "/cfg", []string{"--fast"}) == Key("claude", "/cfg", []string{"--slow"}) {
		t.Error("different flags should produce different keys")
	}
	if Key("claude", "/cfg", nil) == Key("aider", "/cfg", nil) {
		t.Error("different agents should produce different keys")
	}
}

func TestCooldownPersistAndLoad(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	first := NewCooldownTable(time.Hour, kv, nil)
	first.nowFunc = func() time.Time { return now }
	first.Set(ctx, "claude", "/cfg", []string{"--verbose"})
	first.Set(ctx, "aider", "/cfg", nil)

	// Fresh table after a restart, ten minutes later.
	second := NewCooldownTable(time.Hour, kv, nil)
	second.nowFunc = func() time.Time { return now.Add(10 * time.Minute) }
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !second.Active(ctx, "claude", "/cfg", []string{"--verbose"}) {
		t.Error("persisted cooldown not restored")
	}
	if !second.Active(ctx, "aider", "/cfg", nil) {
		t.Error("second persisted cooldown not restored")
	}

	// A restart after the TTL drops the entries.
	third := NewCooldownTable(time.Hour, kv, nil)
	third.nowFunc = func() time.Time { return now.Add(2 * time.Hour) }
	if err := third.Load(ctx); err != nil {
		t.Fatalf("load expired: %v", err)
	}
	if third.Active(ctx, "claude", "/cfg", []string{"--verbose"}) {
		t.Error("expired cooldown restored")
	}
}
