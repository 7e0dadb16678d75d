// Package rate puts a client-side request budget in front of the vendor API.
// The daemon wraps its http.Client with a guard; the library itself never
// rate-limits.
package rate

import "time"

// Window names a provider rate-limit bucket.
type Window string

const (
	Minute Window = "minute"
	Day    Window = "day"
)

func (w Window) duration() time.Duration {
	if w == Day {
		return 24 * time.Hour
	}
	return time.Minute
}

// Headers maps the provider's rate-limit response headers.
type Headers struct {
	LimitMinute     string
	RemainingMinute string
	LimitDay        string
	RemainingDay    string
	RetryAfter      string
	ResetAfter      string
}

// StandardHeaders is the Kong-style header set most vendor gateways emit.
func StandardHeaders() Headers {
	return Headers{
		LimitMinute:     "X-RateLimit-Limit-minute",
		RemainingMinute: "X-RateLimit-Remaining-minute",
		LimitDay:        "X-RateLimit-Limit-day",
		RemainingDay:    "X-RateLimit-Remaining-day",
		RetryAfter:      "Retry-After",
		ResetAfter:      "ratelimit-reset",
	}
}

type windowBudget struct {
	max   int
	floor int
}

// Declaration describes one provider's request budget. Built fluently:
//
//	rate.Provider("eightsleep").MaxRequestsPer(rate.Minute, 60).BudgetFloor(rate.Minute, 5)
type Declaration struct {
	provider string
	budgets  map[Window]windowBudget
	headers  Headers
}

func Provider(name string) Declaration {
	return Declaration{provider: name}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

// MaxRequestsPer caps locally initiated requests for a window.
func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	d.budgets = cloneBudgets(d.budgets)
	budget := d.budgets[window]
	budget.max = limit
	d.budgets[window] = budget
	return d
}

// BudgetFloor reserves headroom when the provider reports remaining-budget
// headers: calls stop once the reported remainder reaches the floor.
func (d Declaration) BudgetFloor(window Window, floor int) Declaration {
	d.budgets = cloneBudgets(d.budgets)
	budget := d.budgets[window]
	budget.floor = floor
	d.budgets[window] = budget
	return d
}

// ReadHeaders tells the guard which response headers carry budget feedback.
func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

func (d Declaration) HasLimits() bool {
	for _, budget := range d.budgets {
		if budget.max > 0 {
			return true
		}
	}
	return false
}

func cloneBudgets(in map[Window]windowBudget) map[Window]windowBudget {
	out := make(map[Window]windowBudget, len(in)+1)
	for window, budget := range in {
		out[window] = budget
	}
	return out
}
