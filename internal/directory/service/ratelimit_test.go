package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
)

type stubCounter struct {
	counts map[string]int
	err    error
	purged int64
}

func newStubCounter() *stubCounter {
	return &stubCounter{counts: make(map[string]int)}
}

func (c *stubCounter) Increment(_ context.Context, subject, action string, _ time.Time) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	key := subject + "/" + action
	c.counts[key]++
	return c.counts[key], nil
}

func (c *stubCounter) PurgeBefore(_ context.Context, _ time.Time) (int64, error) {
	return c.purged, nil
}

func TestAllow_underCap(t *testing.T) {
	svc := NewRateLimitService(newStubCounter(), testLogger)
	for i := 0; i < 10; i++ {
		if err := svc.Allow(context.Background(), "a1", ActionMessage, model.TierVerified); err != nil {
			t.Fatalf("request %d denied: %v", i+1, err)
		}
	}
}

func TestAllow_overCap(t *testing.T) {
	svc := NewRateLimitService(newStubCounter(), testLogger)
	for i := 0; i < 10; i++ {
		if err := svc.Allow(context.Background(), "a1", ActionMessage, model.TierVerified); err != nil {
			t.Fatalf("request %d denied early: %v", i+1, err)
		}
	}
	err := svc.Allow(context.Background(), "a1", ActionMessage, model.TierVerified)
	var rl *ErrRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if rl.Limit != 10 || rl.Action != ActionMessage {
		t.Errorf("limit = %d action = %s", rl.Limit, rl.Action)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Hour {
		t.Errorf("retry after = %s, want within the hour", rl.RetryAfter)
	}
}

func TestAllow_tierZeroDenied(t *testing.T) {
	counter := newStubCounter()
	svc := NewRateLimitService(counter, testLogger)
	err := svc.Allow(context.Background(), "a1", ActionMessage, model.TierUnverified)
	var rl *ErrRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimited at tier 0, got %v", err)
	}
	if len(counter.counts) != 0 {
		t.Error("zero-cap denial should not touch the counter")
	}
}

func TestAllow_higherTierHigherCap(t *testing.T) {
	svc := NewRateLimitService(newStubCounter(), testLogger)
	for i := 0; i < 60; i++ {
		if err := svc.Allow(context.Background(), "a1", ActionMessage, model.TierCitizen); err != nil {
			t.Fatalf("request %d denied at citizen tier: %v", i+1, err)
		}
	}
	if err := svc.Allow(context.Background(), "a1", ActionMessage, model.TierCitizen); err == nil {
		t.Fatal("request 61 should be denied at citizen tier")
	}
}

func TestAllow_failsOpenOnStorageError(t *testing.T) {
	counter := newStubCounter()
	counter.err = errors.New("connection refused")
	svc := NewRateLimitService(counter, testLogger)
	if err := svc.Allow(context.Background(), "a1", ActionMessage, model.TierVerified); err != nil {
		t.Fatalf("storage failure should fail open, got %v", err)
	}
}

func TestAllowIP_countsAtTierZero(t *testing.T) {
	counter := newStubCounter()
	svc := NewRateLimitService(counter, testLogger)
	for i := 0; i < 3; i++ {
		if err := svc.AllowIP(context.Background(), "10.0.0.1", ActionRegister); err != nil {
			t.Fatalf("register %d denied: %v", i+1, err)
		}
	}
	if err := svc.AllowIP(context.Background(), "10.0.0.1", ActionRegister); err == nil {
		t.Fatal("4th registration from one IP should be denied")
	}
	if err := svc.AllowIP(context.Background(), "10.0.0.2", ActionRegister); err != nil {
		t.Fatalf("different IP should have its own window: %v", err)
	}
}
