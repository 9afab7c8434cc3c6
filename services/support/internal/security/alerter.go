// Package security counts failed or throttled security events per client and
// flags bursts that deserve an operator's attention.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	OutcomeFail        = "fail"
	OutcomeRateLimited = "rate_limited"

	defaultPrefix = "supportdesk:alerts"
)

// Rule is a burst threshold for one event/outcome pair. An empty Event
// matches every event.
type Rule struct {
	Event     string
	Outcome   string
	Threshold int64
	Window    time.Duration
}

// DefaultRules are the thresholds used by the support API.
var DefaultRules = []Rule{
	{Outcome: OutcomeRateLimited, Threshold: 20, Window: time.Minute},
	{Event: "support.login", Outcome: OutcomeFail, Threshold: 10, Window: 5 * time.Minute},
	{Event: "support.signup", Outcome: OutcomeFail, Threshold: 10, Window: 5 * time.Minute},
	{Event: "support.logout", Outcome: OutcomeFail, Threshold: 15, Window: 5 * time.Minute},
	{Event: "support.password.change", Outcome: OutcomeFail, Threshold: 15, Window: 5 * time.Minute},
	{Event: "support.authorize", Outcome: OutcomeFail, Threshold: 25, Window: 5 * time.Minute},
	{Event: "support.admin.authorize", Outcome: OutcomeFail, Threshold: 25, Window: 5 * time.Minute},
}

// AlertResult is the counter state after an observation.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter keeps per client counters in fixed windows.
type AuditAlerter struct {
	client redis.UniversalClient
	prefix string
	rules  []Rule
	now    func() time.Time
}

// NewAuditAlerter returns nil when client is nil; a nil alerter observes
// nothing.
func NewAuditAlerter(client redis.UniversalClient, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = defaultPrefix
	}
	return &AuditAlerter{
		client: client,
		prefix: prefix,
		rules:  DefaultRules,
		now:    time.Now,
	}
}

// Observe counts one event for ip. Events without a rule are not counted.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	rule, ok := a.match(strings.TrimSpace(event), strings.TrimSpace(outcome))
	if !ok {
		return AlertResult{}, nil
	}
	slot := a.now().UnixMilli() / rule.Window.Milliseconds()
	key := strings.Join([]string{
		a.prefix, keySegment(event), keySegment(outcome), keySegment(ip), fmt.Sprint(slot),
	}, ":")

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var incr *redis.IntCmd
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		return AlertResult{}, fmt.Errorf("count %s/%s: %w", event, outcome, err)
	}
	count := incr.Val()
	return AlertResult{
		Triggered: count >= rule.Threshold,
		Count:     count,
		Threshold: rule.Threshold,
		Window:    rule.Window,
	}, nil
}

func (a *AuditAlerter) match(event, outcome string) (Rule, bool) {
	for _, r := range a.rules {
		if r.Outcome == outcome && (r.Event == "" || r.Event == event) {
			return r, true
		}
	}
	return Rule{}, false
}

var keyReplacer = strings.NewReplacer(":", "_", "|", "_", " ", "_")

func keySegment(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return keyReplacer.Replace(s)
}
