package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCheck_allHealthy(t *testing.T) {
	c := New(zap.NewNop())
	c.Register("database", func(ctx context.Context) error { return nil })
	c.Register("solana_rpc", func(ctx context.Context) error { return nil })

	results := c.Check(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for name, err := range results {
		if err != nil {
			t.Errorf("probe %s: unexpected error %v", name, err)
		}
	}
}

func TestCheck_reportsFailureByName(t *testing.T) {
	boom := errors.New("connection refused")
	c := New(zap.NewNop())
	c.Register("database", func(ctx context.Context) error { return nil })
	c.Register("solana_rpc", func(ctx context.Context) error { return boom })

	results := c.Check(context.Background())
	if results["database"] != nil {
		t.Errorf("database should be healthy, got %v", results["database"])
	}
	if !errors.Is(results["solana_rpc"], boom) {
		t.Errorf("solana_rpc should carry the probe error, got %v", results["solana_rpc"])
	}
}

func TestCheck_probeTimeoutEnforced(t *testing.T) {
	c := New(zap.NewNop())
	c.Register("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})

	start := time.Now()
	results := c.Check(context.Background())
	if elapsed := time.Since(start); elapsed > probeTimeout+time.Second {
		t.Fatalf("check took %v, probe timeout not enforced", elapsed)
	}
	if results["slow"] == nil {
		t.Error("slow probe should have timed out")
	}
}

func TestCheck_noProbes(t *testing.T) {
	c := New(zap.NewNop())
	if results := c.Check(context.Background()); len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}
