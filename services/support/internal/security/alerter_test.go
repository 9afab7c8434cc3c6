package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAlerter(t *testing.T, now *time.Time) (*AuditAlerter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	a := NewAuditAlerter(client, "test:alerts")
	if a == nil {
		t.Fatalf("expected alerter")
	}
	a.now = func() time.Time { return *now }
	return a, mr
}

func observeN(t *testing.T, a *AuditAlerter, n int, event, outcome, ip string) AlertResult {
	t.Helper()
	var res AlertResult
	for i := 0; i < n; i++ {
		var err error
		if res, err = a.Observe(context.Background(), event, outcome, ip); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	return res
}

func TestAuditAlerterTriggersAtThreshold(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 10, 0, time.UTC)
	a, _ := newTestAlerter(t, &now)

	if res := observeN(t, a, 9, "support.login", OutcomeFail, "10.0.0.1"); res.Triggered {
		t.Fatalf("triggered early: %+v", res)
	}
	res := observeN(t, a, 1, "support.login", OutcomeFail, "10.0.0.1")
	if !res.Triggered || res.Count != 10 || res.Threshold != 10 || res.Window != 5*time.Minute {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAuditAlerterSeparatesClientsAndWindows(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 10, 0, time.UTC)
	a, mr := newTestAlerter(t, &now)

	observeN(t, a, 9, "support.signup", OutcomeFail, "10.0.0.1")
	if res := observeN(t, a, 1, "support.signup", OutcomeFail, "10.0.0.2"); res.Count != 1 {
		t.Fatalf("expected independent counter per client, got %+v", res)
	}

	now = now.Add(5 * time.Minute)
	if res := observeN(t, a, 1, "support.signup", OutcomeFail, "10.0.0.1"); res.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", res)
	}
	for _, key := range mr.Keys() {
		if ttl := mr.TTL(key); ttl <= 0 || ttl > 5*time.Minute {
			t.Fatalf("key %s has ttl %v", key, ttl)
		}
	}
}

func TestAuditAlerterRateLimitedMatchesAnyEvent(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 10, 0, time.UTC)
	a, _ := newTestAlerter(t, &now)

	res := observeN(t, a, 20, "support.chat", OutcomeRateLimited, "2001:db8::1")
	if !res.Triggered || res.Window != time.Minute {
		t.Fatalf("expected rate limit burst alert, got %+v", res)
	}
}

func TestAuditAlerterIgnoresEventsWithoutRule(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 10, 0, time.UTC)
	a, mr := newTestAlerter(t, &now)

	for _, tc := range [][2]string{
		{"support.login", "success"},
		{"support.chat", OutcomeFail},
	} {
		res := observeN(t, a, 30, tc[0], tc[1], "127.0.0.1")
		if res != (AlertResult{}) {
			t.Fatalf("%s/%s: unexpected result %+v", tc[0], tc[1], res)
		}
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no counters, got %v", keys)
	}
}

func TestNilAuditAlerterObservesNothing(t *testing.T) {
	var a *AuditAlerter
	res, err := a.Observe(context.Background(), "support.login", OutcomeFail, "127.0.0.1")
	if err != nil || res.Triggered {
		t.Fatalf("expected no-op, got %+v err=%v", res, err)
	}
	if NewAuditAlerter(nil, "") != nil {
		t.Fatalf("expected nil alerter without a client")
	}
}
