package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetSetDelete(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("found a key that was never set")
	}

	m.Set(ctx, "k1", []byte("v1"), time.Minute)
	// Give otter's async policy a beat to publish the entry.
	time.Sleep(50 * time.Millisecond)

	val, ok := m.Get(ctx, "k1")
	if !ok {
		t.Fatal("k1 missing after set")
	}
	if string(val) != "v1" {
		t.Errorf("value = %q, want %q", val, "v1")
	}

	m.Delete(ctx, "k1")
	if _, ok := m.Get(ctx, "k1"); ok {
		t.Error("k1 survived delete")
	}
}

func TestMemoryPerEntryExpiry(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Set(ctx, "expiring", []byte("data"), time.Minute)
	time.Sleep(50 * time.Millisecond)

	if _, ok := m.Get(ctx, "expiring"); !ok {
		t.Fatal("entry missing before its deadline")
	}

	now = now.Add(61 * time.Second)
	if _, ok := m.Get(ctx, "expiring"); ok {
		t.Error("entry served past its deadline")
	}
}

func TestMemoryPurge(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	time.Sleep(50 * time.Millisecond)

	m.Purge(ctx)

	if _, ok := m.Get(ctx, "a"); ok {
		t.Error("a survived purge")
	}
	if _, ok := m.Get(ctx, "b"); ok {
		t.Error("b survived purge")
	}
}
