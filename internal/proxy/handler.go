// Package proxy is the HTTP surface of the gateway: the OpenAI-style
// endpoints, SSE streaming, and the transport mapping of the error
// taxonomy. Handlers run guardrails, rate limits, and quota checks around
// the executor, which stays transport-agnostic.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/infergate/infergate/internal/auth"
	"github.com/infergate/infergate/internal/catalog"
	"github.com/infergate/infergate/internal/executor"
	"github.com/infergate/infergate/internal/guardrail"
	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
	"github.com/infergate/infergate/internal/tokens"
	"github.com/infergate/infergate/internal/usage"
	"github.com/infergate/infergate/pkg/ratelimit"
)

// Version is reported on the X-Gateway-Version header and /health.
const Version = "0.1.0"

const (
	chatTimeout      = 120 * time.Second
	embeddingTimeout = 60 * time.Second
	imageTimeout     = 180 * time.Second

	defaultChatModel      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultImageModel     = "dall-e-3"
)

type Handler struct {
	executor     *executor.Executor
	catalog      *catalog.Catalog
	store        usage.Store
	limiter      *ratelimit.Limiter
	limits       *usage.Checker
	guardrails   *guardrail.Chain
	counter      *tokens.Counter
	costs        *usage.Calculator
	tracer       trace.Tracer
	defaultModel string
}

// Options carries the optional collaborators. A nil field disables the
// matching feature.
type Options struct {
	Store        usage.Store
	Limiter      *ratelimit.Limiter
	Limits       *usage.Checker
	Guardrails   *guardrail.Chain
	Counter      *tokens.Counter
	Costs        *usage.Calculator
	Tracer       trace.Tracer
	DefaultModel string
}

func NewHandler(exec *executor.Executor, cat *catalog.Catalog, opts Options) *Handler {
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("gateway")
	}
	if opts.Counter == nil {
		opts.Counter = tokens.NewCounter()
	}
	if opts.Costs == nil {
		opts.Costs = usage.NewCalculator(cat)
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultChatModel
	}
	return &Handler{
		executor:     exec,
		catalog:      cat,
		store:        opts.Store,
		limiter:      opts.Limiter,
		limits:       opts.Limits,
		guardrails:   opts.Guardrails,
		counter:      opts.Counter,
		costs:        opts.Costs,
		tracer:       opts.Tracer,
		defaultModel: opts.DefaultModel,
	}
}

// requestContext builds the per-request bookkeeping from headers. Without
// key auth the bearer token itself identifies the caller.
func (h *Handler) requestContext(r *http.Request) *executor.RequestContext {
	ctx := r.Context()

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = r.Header.Get("X-Request-ID")
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	userID := auth.GetUserID(ctx)
	if userID == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			userID = strings.TrimPrefix(header, "Bearer ")
		}
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	return &executor.RequestContext{
		RequestID: requestID,
		UserID:    userID,
		ThreadID:  r.Header.Get("X-Thread-ID"),
		RunID:     r.Header.Get("X-Run-ID"),
		Headers:   headers,
		Metadata: map[string]any{
			"client_host": r.RemoteAddr,
			"path":        r.URL.Path,
			"method":      r.Method,
		},
		Start: time.Now(),
	}
}

// preflight applies the rate limiter and quota checks. It writes the
// error response itself and reports whether the request may proceed.
func (h *Handler) preflight(w http.ResponseWriter, r *http.Request, rc *executor.RequestContext, model string, estTokens int) bool {
	ctx := r.Context()

	if h.limiter != nil {
		key := rc.UserID
		if key == "" {
			key = r.RemoteAddr
		}
		allowed, err := h.limiter.Allow(ctx, key, 1)
		if err != nil || !allowed {
			if err != nil {
				log.Warn().Err(err).Str("request_id", rc.RequestID).Msg("Rate limiter check failed")
			}
			w.Header().Set("Retry-After", "60s")
			WriteError(w, gwerr.RateLimitExceeded("Rate limit exceeded. Please try again later."))
			return false
		}
	}

	if h.limits != nil {
		estCost := h.costs.Cost(model, estTokens, 0)
		if err := h.limits.Check(ctx, rc.UserID, model, "", estTokens, estCost); err != nil {
			WriteError(w, err)
			return false
		}
	}

	return true
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "gateway.chat_completions")
	defer span.End()

	var req provider.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, gwerr.Validation("Invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	rc := h.requestContext(r)
	span.SetAttributes(
		attribute.String("request_id", rc.RequestID),
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
	)
	w.Header().Set("X-Gateway-Version", Version)

	estTokens := h.counter.CountMessages(req.Model, req.Messages)
	if !h.preflight(w, r, rc, req.Model, estTokens) {
		return
	}

	if h.guardrails != nil {
		if err := h.guardrails.EvaluateInput(ctx, &req); err != nil {
			WriteError(w, err)
			return
		}
	}

	if req.Stream {
		h.streamChatCompletion(w, ctx, &req, rc)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	resp, err := h.executor.ChatCompletion(callCtx, &req, rc)
	if err != nil {
		WriteError(w, err)
		return
	}

	if h.guardrails != nil {
		if err := h.guardrails.EvaluateOutput(ctx, resp); err != nil {
			WriteError(w, err)
			return
		}
	}

	w.Header().Set("X-Gateway-Model", rc.TargetModel)
	writeJSON(w, http.StatusOK, resp)
}

// streamChatCompletion writes the SSE response: one data frame per chunk,
// an error envelope frame on failure, and a [DONE] terminator in every
// case.
func (h *Handler) streamChatCompletion(w http.ResponseWriter, ctx context.Context, req *provider.ChatCompletionRequest, rc *executor.RequestContext) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, gwerr.Execution("streaming is not supported by the underlying connection"))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	stream, err := h.executor.StreamChatCompletion(callCtx, req, rc)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("X-Gateway-Model", rc.TargetModel)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range stream {
		if chunk.Err != nil {
			status := statusFor(chunk.Err)
			frame, _ := json.Marshal(map[string]any{"error": errorBody(chunk.Err, status)})
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
			break
		}
		if chunk.Done {
			break
		}
		data, err := json.Marshal(chunk.Chunk)
		if err != nil {
			log.Error().Err(err).Str("request_id", rc.RequestID).Msg("Failed to encode stream chunk")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *Handler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "gateway.embeddings")
	defer span.End()

	var req provider.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, gwerr.Validation("Invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		req.Model = defaultEmbeddingModel
	}

	rc := h.requestContext(r)
	span.SetAttributes(
		attribute.String("request_id", rc.RequestID),
		attribute.String("model", req.Model),
	)
	w.Header().Set("X-Gateway-Version", Version)

	estTokens := h.counter.CountTexts(req.Input.Texts)
	if !h.preflight(w, r, rc, req.Model, estTokens) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, embeddingTimeout)
	defer cancel()

	resp, err := h.executor.Embeddings(callCtx, &req, rc)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("X-Gateway-Model", rc.TargetModel)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleImages(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "gateway.images")
	defer span.End()

	var req provider.ImageGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, gwerr.Validation("Invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		req.Model = defaultImageModel
	}

	rc := h.requestContext(r)
	span.SetAttributes(
		attribute.String("request_id", rc.RequestID),
		attribute.String("model", req.Model),
	)
	w.Header().Set("X-Gateway-Version", Version)

	if !h.preflight(w, r, rc, req.Model, h.counter.Count(req.Prompt)) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, imageTimeout)
	defer cancel()

	resp, err := h.executor.GenerateImage(callCtx, &req, rc)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("X-Gateway-Model", rc.TargetModel)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	defs := h.catalog.List()
	data := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		data = append(data, modelPayload(def))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (h *Handler) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "model")
	def, ok := h.catalog.Get(id)
	if !ok {
		WriteError(w, gwerr.ModelNotFound("Model not found: %s", id).WithParam("model_id"))
		return
	}

	payload := modelPayload(def)
	payload["parameters"] = def.Parameters
	writeJSON(w, http.StatusOK, payload)
}

func modelPayload(def *catalog.ModelDefinition) map[string]any {
	return map[string]any{
		"id":           def.ID,
		"object":       "model",
		"created":      0,
		"owned_by":     def.Provider,
		"capabilities": capabilityNames(def.Capabilities),
		"type":         string(def.Type),
		"description":  def.Description,
		"limits":       def.Limits,
		"price":        def.Price,
	}
}

func capabilityNames(c catalog.Capabilities) []string {
	names := make([]string, 0, 5)
	if c.Tools {
		names = append(names, "tools")
	}
	if c.Vision {
		names = append(names, "vision")
	}
	if c.Streaming {
		names = append(names, "streaming")
	}
	if c.JSONMode {
		names = append(names, "json_mode")
	}
	if c.FunctionCalling {
		names = append(names, "function_calling")
	}
	return names
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, gwerr.UsageTracking("usage storage is not configured"))
		return
	}

	f, err := parseFilter(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	records, err := h.store.Query(r.Context(), f)
	if err != nil {
		WriteError(w, gwerr.UsageTracking("failed to query usage: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
		"from":    f.Start,
		"to":      f.End,
	})
}

func (h *Handler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, gwerr.UsageTracking("usage storage is not configured"))
		return
	}

	f, err := parseFilter(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var groupBy []string
	if raw := r.URL.Query().Get("group_by"); raw != "" {
		for _, field := range strings.Split(raw, ",") {
			field = strings.TrimSpace(field)
			switch field {
			case "provider", "model", "user_id", "thread_id", "run_id":
				groupBy = append(groupBy, field)
			default:
				WriteError(w, gwerr.Validation("cannot group usage by %q", field).WithParam("group_by"))
				return
			}
		}
	}

	summary, err := h.store.Summarize(r.Context(), f, groupBy)
	if err != nil {
		WriteError(w, gwerr.UsageTracking("failed to summarize usage: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"from":    f.Start,
		"to":      f.End,
	})
}

// parseFilter reads the usage query parameters. The default window is the
// last thirty days; an authenticated caller only sees their own records.
func parseFilter(r *http.Request) (usage.Filter, error) {
	q := r.URL.Query()
	now := time.Now()

	f := usage.Filter{
		Start:    now.AddDate(0, 0, -30),
		End:      now,
		Provider: q.Get("provider"),
		Model:    q.Get("model"),
		UserID:   q.Get("user_id"),
		ThreadID: q.Get("thread_id"),
		RunID:    q.Get("run_id"),
	}

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, gwerr.Validation("invalid 'from' date format (use RFC3339)").WithParam("from")
		}
		f.Start = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, gwerr.Validation("invalid 'to' date format (use RFC3339)").WithParam("to")
		}
		f.End = t
	}

	if userID := auth.GetUserID(r.Context()); userID != "" {
		f.UserID = userID
	}
	return f, nil
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
