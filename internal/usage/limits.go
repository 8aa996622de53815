package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/infergate/infergate/internal/gwerr"
)

type LimitType string

const (
	LimitTokens   LimitType = "tokens"
	LimitCost     LimitType = "cost"
	LimitRequests LimitType = "requests"
)

// Period scopes a limit in time. The empty period means all time.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

func (p Period) label() string {
	if p == "" {
		return "total"
	}
	return string(p)
}

// Limit caps usage. Empty UserID/Model/Provider fields mean the limit
// applies regardless of that dimension.
type Limit struct {
	Type     LimitType `yaml:"type" json:"type"`
	Value    float64   `yaml:"value" json:"value"`
	Period   Period    `yaml:"period" json:"period,omitempty"`
	UserID   string    `yaml:"user_id" json:"user_id,omitempty"`
	Model    string    `yaml:"model" json:"model,omitempty"`
	Provider string    `yaml:"provider" json:"provider,omitempty"`
}

// Checker evaluates configured limits against recorded usage before a
// request runs. A breach surfaces as a quota_exceeded error.
type Checker struct {
	store  Store
	mu     sync.RWMutex
	limits []Limit
}

func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

func (c *Checker) AddLimit(l Limit) {
	c.mu.Lock()
	c.limits = append(c.limits, l)
	c.mu.Unlock()
	log.Debug().
		Str("type", string(l.Type)).
		Float64("value", l.Value).
		Str("period", l.Period.label()).
		Msg("Added usage limit")
}

func (c *Checker) ClearLimits() {
	c.mu.Lock()
	c.limits = nil
	c.mu.Unlock()
}

// Check projects the request's usage onto each applicable limit. tokens and
// cost are the estimates for the current request.
func (c *Checker) Check(ctx context.Context, userID, model, provider string, tokens int, cost float64) error {
	c.mu.RLock()
	limits := make([]Limit, len(c.limits))
	copy(limits, c.limits)
	c.mu.RUnlock()

	if len(limits) == 0 {
		return nil
	}

	for _, l := range limits {
		if l.UserID != "" && l.UserID != userID {
			continue
		}
		if l.Model != "" && l.Model != model {
			continue
		}
		if l.Provider != "" && l.Provider != provider {
			continue
		}

		start, end := periodRange(l.Period)
		// the summary is scoped the way the limit is, so an unscoped limit
		// aggregates across all users, models, and providers
		summary, err := c.store.Summarize(ctx, Filter{
			Start:    start,
			End:      end,
			UserID:   l.UserID,
			Model:    l.Model,
			Provider: l.Provider,
		}, nil)
		if err != nil {
			return gwerr.UsageTracking("failed to check usage limits: %v", err)
		}

		switch l.Type {
		case LimitTokens:
			projected := summary.TotalTokens + tokens
			if float64(projected) > l.Value {
				log.Warn().
					Str("user_id", userID).
					Str("model", model).
					Str("provider", provider).
					Int("projected", projected).
					Float64("limit", l.Value).
					Str("period", l.Period.label()).
					Msg("Token limit exceeded")
				return gwerr.QuotaExceeded("Token limit exceeded: %d > %v for period %s",
					projected, l.Value, l.Period.label())
			}
		case LimitCost:
			projected := summary.TotalCost + cost
			if projected > l.Value {
				log.Warn().
					Str("user_id", userID).
					Str("model", model).
					Str("provider", provider).
					Float64("projected", projected).
					Float64("limit", l.Value).
					Str("period", l.Period.label()).
					Msg("Cost limit exceeded")
				return gwerr.QuotaExceeded("Cost limit exceeded: $%.6f > $%.6f for period %s",
					projected, l.Value, l.Period.label())
			}
		case LimitRequests:
			projected := summary.TotalRequests + 1
			if float64(projected) > l.Value {
				log.Warn().
					Str("user_id", userID).
					Str("model", model).
					Str("provider", provider).
					Int("projected", projected).
					Float64("limit", l.Value).
					Str("period", l.Period.label()).
					Msg("Request limit exceeded")
				return gwerr.QuotaExceeded("Request limit exceeded: %d > %v for period %s",
					projected, l.Value, l.Period.label())
			}
		}
	}
	return nil
}

func periodRange(p Period) (time.Time, time.Time) {
	now := time.Now()
	switch p {
	case PeriodHourly:
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location()), now
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), now
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), now
	case PeriodYearly:
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location()), now
	default:
		// all time; the store applies its default window
		return time.Time{}, time.Time{}
	}
}
