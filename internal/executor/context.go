package executor

import (
	"time"

	"github.com/google/uuid"

	"github.com/infergate/infergate/internal/routing"
)

// RequestContext carries the identity and timing of one gateway request
// across routing, execution, and usage recording.
type RequestContext struct {
	RequestID      string
	UserID         string
	ThreadID       string
	RunID          string
	Headers        map[string]string
	Metadata       map[string]any
	Start          time.Time
	TargetModel    string
	TargetProvider string
}

func NewRequestContext() *RequestContext {
	return &RequestContext{
		RequestID: uuid.NewString(),
		Start:     time.Now(),
	}
}

func (c *RequestContext) ensureDefaults() {
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	if c.Start.IsZero() {
		c.Start = time.Now()
	}
}

func (c *RequestContext) ElapsedMS() int64 {
	return time.Since(c.Start).Milliseconds()
}

// WithTarget stamps the resolved target so failures after resolution are
// attributed to the right upstream.
func (c *RequestContext) WithTarget(t routing.Target) *RequestContext {
	if t.Model != "" {
		c.TargetModel = t.Model
	}
	if t.Provider != "" {
		c.TargetProvider = t.Provider
	}
	return c
}
