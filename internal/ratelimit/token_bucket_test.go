package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := newTestClient(t)

	if _, err := NewRedisTokenBucket(nil, 10, time.Minute, ""); err == nil {
		t.Fatal("expected error without a client")
	}
	if _, err := NewRedisTokenBucket(client, 0, time.Minute, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, 10, 0, ""); err == nil {
		t.Fatal("expected error for zero window")
	}

	bucket, err := NewRedisTokenBucket(client, 60, time.Minute, "")
	if err != nil {
		t.Fatalf("new bucket returned error: %v", err)
	}
	if bucket.keyPrefix != "convertly:ratelimit" {
		t.Fatalf("expected default key prefix, got %q", bucket.keyPrefix)
	}
	if bucket.refillPerMS != 0.001 {
		t.Fatalf("expected refill 0.001 tokens/ms, got %v", bucket.refillPerMS)
	}
}

func TestToInt64(t *testing.T) {
	for _, in := range []any{int64(7), 7, float64(7), "7"} {
		v, err := toInt64(in)
		if err != nil || v != 7 {
			t.Fatalf("expected 7 from %T, got %d err=%v", in, v, err)
		}
	}
	if _, err := toInt64([]byte("7")); err == nil {
		t.Fatal("expected error for []byte")
	}
}

func TestClampCostAndKey(t *testing.T) {
	bucket, err := NewRedisTokenBucket(newTestClient(t), 5, time.Minute, "limits")
	if err != nil {
		t.Fatalf("new bucket returned error: %v", err)
	}

	for cost, want := range map[int]int{0: 1, 3: 3, 40: 5} {
		if got := bucket.clampCost(cost); got != want {
			t.Fatalf("expected cost %d clamped to %d, got %d", cost, want, got)
		}
	}
	if got := bucket.key("  "); got != "limits:anonymous" {
		t.Fatalf("expected anonymous key, got %q", got)
	}
	if got := bucket.key("user-1"); got != "limits:user-1" {
		t.Fatalf("expected user key, got %q", got)
	}
}

func TestParseDecision(t *testing.T) {
	decision, err := parseDecision([]any{int64(0), int64(2), int64(1500)})
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if decision.Allowed || decision.Remaining != 2 || decision.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("expected denied with 2 remaining and 1.5s retry, got %+v", decision)
	}

	if _, err := parseDecision([]any{int64(1)}); err == nil {
		t.Fatal("expected error for a short reply")
	}
	if _, err := parseDecision([]any{int64(1), "x", int64(0)}); err == nil {
		t.Fatal("expected error for a non-numeric field")
	}
}
