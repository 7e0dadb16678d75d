package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is returned by the wrapped client when a request would
// exceed the declared budget. The request never reaches the provider.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

// Decision is the guard's verdict for one prospective call.
type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

// tracker holds the live budget for one window. While the provider reports a
// remaining count we trust it (minus the floor); otherwise a local token
// bucket approximates the declared limit.
type tracker struct {
	window   Window
	max      int
	floor    int
	tokens   float64
	refilled time.Time
	reported int // remaining per the provider, -1 until a header is seen
}

func (t *tracker) take(now time.Time) (ok bool, retryAt time.Time) {
	if t.reported >= 0 {
		if t.reported <= t.floor {
			return false, time.Time{}
		}
		t.reported--
		return true, time.Time{}
	}

	elapsed := now.Sub(t.refilled)
	if elapsed > 0 {
		perSecond := float64(t.max) / t.window.duration().Seconds()
		t.tokens += elapsed.Seconds() * perSecond
		if t.tokens > float64(t.max) {
			t.tokens = float64(t.max)
		}
	}
	t.refilled = now
	if t.tokens < 1 {
		return false, now.Add(t.window.duration() / time.Duration(t.max))
	}
	t.tokens--
	return true, time.Time{}
}

// Guard enforces one provider's declared budget.
type Guard struct {
	decl Declaration

	mu         sync.Mutex
	trackers   []*tracker
	cooldown   time.Time
	lastStatus int
}

func NewGuard(decl Declaration) *Guard {
	g := &Guard{decl: decl}
	for window, budget := range decl.budgets {
		if budget.max <= 0 {
			continue
		}
		g.trackers = append(g.trackers, &tracker{
			window:   window,
			max:      budget.max,
			floor:    budget.floor,
			tokens:   float64(budget.max),
			refilled: time.Now(),
			reported: -1,
		})
	}
	return g
}

// WrapHTTP returns a copy of base whose transport consults the guard before
// every request. Over-budget requests fail fast with RateLimitError.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	wrapped := *base
	inner := wrapped.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	wrapped.Transport = &roundTripper{base: inner, guard: NewGuard(decl)}
	return &wrapped
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall(time.Now())
	if !decision.Allowed {
		return nil, RateLimitError{
			Provider: rt.guard.decl.ProviderName(),
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall decides whether one request may go out at the given time and, if
// allowed, charges it against every window.
func (g *Guard) ShouldCall(now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.trackers) == 0 {
		return Decision{Reason: "disabled"}
	}
	if now.Before(g.cooldown) {
		return Decision{Reason: "cooldown", RetryAt: g.cooldown}
	}
	for _, t := range g.trackers {
		ok, retryAt := t.take(now)
		if !ok {
			return Decision{Reason: "budget", RetryAt: retryAt}
		}
	}
	return Decision{Allowed: true}
}

// RecordResponse folds the provider's feedback into the guard: reported
// remaining budgets replace the local estimate, and Retry-After (or a reset
// header) opens a cooldown.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	provider := g.decl.ProviderName()
	g.lastStatus = status
	lastStatusGauge.WithLabelValues(provider).Set(float64(status))

	cfg := g.decl.headers
	if seconds, ok := headerInt(headers, cfg.RetryAfter); ok {
		g.cooldown = time.Now().Add(time.Duration(seconds) * time.Second)
		retryAfterGauge.WithLabelValues(provider).Set(float64(seconds))
	} else if seconds, ok := headerInt(headers, cfg.ResetAfter); ok && status == http.StatusTooManyRequests {
		g.cooldown = time.Now().Add(time.Duration(seconds) * time.Second)
		retryAfterGauge.WithLabelValues(provider).Set(float64(seconds))
	}

	remainingHeader := map[Window]string{
		Minute: cfg.RemainingMinute,
		Day:    cfg.RemainingDay,
	}
	for _, t := range g.trackers {
		remaining, ok := headerInt(headers, remainingHeader[t.window])
		if !ok {
			continue
		}
		t.reported = remaining
		remainingGauge.WithLabelValues(provider, string(t.window)).Set(float64(remaining))
	}
}

func headerInt(h http.Header, key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	value := h.Get(key)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
