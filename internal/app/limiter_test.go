package app

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestCallLimiterForgetsRefilledUsers(t *testing.T) {
	cl := NewCallLimiter(rate.Every(time.Second), 1)
	t0 := time.Now()

	if !cl.allowAt("alice", t0) || !cl.allowAt("bob", t0) {
		t.Fatal("first calls refused")
	}
	if cl.allowAt("alice", t0) {
		t.Fatal("burst exceeded")
	}
	if n := cl.Len(); n != 2 {
		t.Fatalf("tracking %d users, want 2", n)
	}

	if !cl.allowAt("carol", t0.Add(2*sweepEvery)) {
		t.Fatal("carol refused")
	}
	if n := cl.Len(); n != 1 {
		t.Fatalf("tracking %d users after sweep, want 1", n)
	}
}

func TestCallLimiterKeepsThrottledUsers(t *testing.T) {
	cl := NewCallLimiter(rate.Every(time.Hour), 1)
	t0 := time.Now()

	if !cl.allowAt("alice", t0) {
		t.Fatal("first call refused")
	}
	later := t0.Add(2 * sweepEvery)
	if cl.allowAt("alice", later) {
		t.Fatal("sweep reset a throttled user")
	}
	if n := cl.Len(); n != 1 {
		t.Fatalf("tracking %d users, want 1", n)
	}
}
