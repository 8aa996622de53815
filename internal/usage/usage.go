// Package usage tracks per-request token, cost, and latency accounting:
// records, queryable stores, summaries, cost calculation, and usage limits.
package usage

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Record is one finished upstream call, successful or not.
type Record struct {
	ID           string         `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	UserID       string         `json:"user_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	ThreadID     string         `json:"thread_id,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalTokens  int            `json:"total_tokens"`
	LatencyMS    int64          `json:"latency_ms"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	Cost         float64        `json:"cost"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Filter narrows queries. Empty string fields match everything; a zero End
// means now and a zero Start means thirty days before End.
type Filter struct {
	Start    time.Time
	End      time.Time
	Provider string
	Model    string
	UserID   string
	ThreadID string
	RunID    string
}

func (f Filter) normalized() Filter {
	if f.End.IsZero() {
		f.End = time.Now()
	}
	if f.Start.IsZero() {
		f.Start = f.End.AddDate(0, 0, -30)
	}
	return f
}

// Stats is the aggregate block shared by summaries and their groups.
type Stats struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	TotalTokens        int     `json:"total_tokens"`
	InputTokens        int     `json:"input_tokens"`
	OutputTokens       int     `json:"output_tokens"`
	TotalCost          float64 `json:"total_cost"`
	AvgLatencyMS       float64 `json:"avg_latency_ms"`
}

type GroupSummary struct {
	Stats
	Fields map[string]string `json:"fields"`
}

type Summary struct {
	Stats
	Groups map[string]*GroupSummary `json:"groups,omitempty"`
}

// Sink accepts finished usage records.
type Sink interface {
	Record(ctx context.Context, rec *Record) error
}

// Store persists and aggregates usage records.
type Store interface {
	Sink
	Query(ctx context.Context, f Filter) ([]*Record, error)
	Summarize(ctx context.Context, f Filter, groupBy []string) (*Summary, error)
}

// MemoryStore keeps records in memory. Used in tests and when the gateway
// runs without postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()

	log.Debug().
		Str("provider", rec.Provider).
		Str("model", rec.Model).
		Str("request_id", rec.RequestID).
		Int("total_tokens", rec.TotalTokens).
		Float64("cost", rec.Cost).
		Bool("success", rec.Success).
		Msg("Recorded usage")
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	f = f.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, r := range s.records {
		if r.Timestamp.Before(f.Start) || r.Timestamp.After(f.End) {
			continue
		}
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		if f.Model != "" && r.Model != f.Model {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.ThreadID != "" && r.ThreadID != f.ThreadID {
			continue
		}
		if f.RunID != "" && r.RunID != f.RunID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) Summarize(ctx context.Context, f Filter, groupBy []string) (*Summary, error) {
	records, err := s.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return summarize(records, groupBy), nil
}

func summarize(records []*Record, groupBy []string) *Summary {
	sum := &Summary{}
	var totalLatency int64
	for _, r := range records {
		addRecord(&sum.Stats, r)
		totalLatency += r.LatencyMS
	}
	if sum.TotalRequests > 0 {
		sum.AvgLatencyMS = float64(totalLatency) / float64(sum.TotalRequests)
	}

	if len(groupBy) == 0 {
		return sum
	}

	groups := make(map[string]*GroupSummary)
	latencies := make(map[string]int64)
	for _, r := range records {
		values := make([]string, len(groupBy))
		for i, field := range groupBy {
			values[i] = groupField(r, field)
		}
		key := strings.Join(values, "|")

		g, ok := groups[key]
		if !ok {
			g = &GroupSummary{Fields: make(map[string]string, len(groupBy))}
			for i, field := range groupBy {
				g.Fields[field] = values[i]
			}
			groups[key] = g
		}
		addRecord(&g.Stats, r)
		latencies[key] += r.LatencyMS
	}
	for key, g := range groups {
		if g.TotalRequests > 0 {
			g.AvgLatencyMS = float64(latencies[key]) / float64(g.TotalRequests)
		}
	}
	sum.Groups = groups
	return sum
}

func addRecord(st *Stats, r *Record) {
	st.TotalRequests++
	if r.Success {
		st.SuccessfulRequests++
	} else {
		st.FailedRequests++
	}
	st.TotalTokens += r.TotalTokens
	st.InputTokens += r.InputTokens
	st.OutputTokens += r.OutputTokens
	st.TotalCost += r.Cost
}

func groupField(r *Record, field string) string {
	switch field {
	case "provider":
		return r.Provider
	case "model":
		return r.Model
	case "user_id":
		return r.UserID
	case "request_id":
		return r.RequestID
	case "thread_id":
		return r.ThreadID
	case "run_id":
		return r.RunID
	case "success":
		return strconv.FormatBool(r.Success)
	default:
		return "unknown"
	}
}
