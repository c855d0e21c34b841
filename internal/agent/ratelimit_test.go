package agent

import (
	"testing"
	"time"
)

func TestLimitAndClear(t *testing.T) {
	r := NewRateLimiter()

	if r.IsLimited("a1") {
		t.Error("fresh limiter should not limit anyone")
	}

	r.Limit("a1", time.Minute)
	if !r.IsLimited("a1") {
		t.Error("a1 should be limited")
	}
	if r.IsLimited("a2") {
		t.Error("a2 was never limited")
	}

	r.Clear("a1")
	if r.IsLimited("a1") {
		t.Error("cleared agent should not be limited")
	}
}

func TestLimitExpires(t *testing.T) {
	r := NewRateLimiter()
	r.Limit("a1", -time.Second)

	if r.IsLimited("a1") {
		t.Error("expired entry should not limit")
	}
	if got := r.Limited(); len(got) != 0 {
		t.Errorf("expected no limited agents, got %v", got)
	}
}

func TestLimitedListsActiveEntries(t *testing.T) {
	r := NewRateLimiter()
	r.Limit("a1", time.Minute)
	r.Limit("a2", -time.Second)

	got := r.Limited()
	if len(got) != 1 || got[0] != "a1" {
		t.Errorf("expected [a1], got %v", got)
	}
}

func TestLimitWindowCanShrink(t *testing.T) {
	r := NewRateLimiter()
	r.Limit("a1", time.Hour)
	r.Limit("a1", -time.Second)

	if r.IsLimited("a1") {
		t.Error("second Limit call replaces the window")
	}
}
