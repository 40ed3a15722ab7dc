package querygate

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func assertNewPanics(t *testing.T, config Config) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected New to panic for config %+v", config)
		}
	}()
	New(context.Background(), "ignored.db", config, zerolog.Nop())
}

func TestNewPanicsOnNegativeConfig(t *testing.T) {
	t.Parallel()

	negativePool := Config{}
	negativePool.Pool.MaxOpenConns = -1
	assertNewPanics(t, negativePool)

	negativeTimeout := Config{}
	negativeTimeout.Query.DefaultTimeoutSeconds = -1
	assertNewPanics(t, negativeTimeout)

	negativeRows := Config{}
	negativeRows.Query.MaxRows = -1
	assertNewPanics(t, negativeRows)

	negativeMemory := Config{}
	negativeMemory.Query.MemoryLimitMB = -1
	assertNewPanics(t, negativeMemory)

	badRule := Config{}
	badRule.Query.TimeoutRules = []TimeoutRule{{Pattern: "x", TimeoutSeconds: 0}}
	assertNewPanics(t, badRule)
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	c := Config{}
	c.applyDefaults()
	if c.Query.DefaultTimeoutSeconds != 30 || c.Query.MaxRows != 10000 || c.Query.MemoryLimitMB != 512 {
		t.Fatalf("unexpected query defaults: %+v", c.Query)
	}
	if c.Pool.MaxOpenConns != 10 || c.Pool.MaxIdleConns != 10 {
		t.Fatalf("unexpected pool defaults: %+v", c.Pool)
	}
	if c.Cache.Backend != "memory" || c.Cache.TTLSeconds != 300 {
		t.Fatalf("unexpected cache defaults: %+v", c.Cache)
	}
}

func TestApplyDefaultsClampsConcurrencyToPool(t *testing.T) {
	t.Parallel()

	c := Config{}
	c.Pool.MaxOpenConns = 4
	c.Query.MaxConcurrent = 100
	c.applyDefaults()
	if c.Query.MaxConcurrent != 4 {
		t.Fatalf("expected concurrency clamped to pool size 4, got %d", c.Query.MaxConcurrent)
	}
}
