package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/horadus-ai/horadus/internal/cost"
	"github.com/horadus-ai/horadus/internal/model"
)

const maxBackoff = 30 * time.Second

// BudgetGate is the slice of the cost tracker the invoker uses. Calls
// are priced here by the responding model's rate (prefix match against
// the model table) and recorded at that price; the tracker falls back
// to its per-tier rate for models the table doesn't know.
type BudgetGate interface {
	EnsureWithinBudget(ctx context.Context, tier model.Tier) error
	RecordUsagePriced(ctx context.Context, tier model.Tier, inputTokens, outputTokens int64, costUSD float64) error
}

// RetryPolicy bounds per-route retries.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff is the first retry delay; it doubles per attempt up to
	// maxBackoff.
	Backoff time.Duration
}

// Route is one provider endpoint in failover order.
type Route struct {
	Name   string
	Client ChatClient
}

// InvokeResult carries the completion with its route attribution.
type InvokeResult struct {
	ChatResponse
	Route string
}

// FailoverInvoker tries routes in order, retrying transient failures
// per route, gating every provider call through the daily budget, and
// recording usage on success.
type FailoverInvoker struct {
	routes []Route
	budget BudgetGate
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFailoverInvoker creates an invoker over one or more routes.
func NewFailoverInvoker(routes []Route, budget BudgetGate, policy RetryPolicy, logger *slog.Logger) *FailoverInvoker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Backoff <= 0 {
		policy.Backoff = 2 * time.Second
	}
	return &FailoverInvoker{
		routes: routes,
		budget: budget,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Invoke runs the request against the first route that succeeds.
// Failover to the next route happens only after the current route
// exhausts its retry budget on a transient error; non-retryable errors
// propagate immediately, since a bad request or key will fail the same
// way everywhere. Budget denials abort immediately; callers distinguish
// them via errors.Is against the cost package sentinel.
func (f *FailoverInvoker) Invoke(ctx context.Context, tier model.Tier, req ChatRequest) (InvokeResult, error) {
	if len(f.routes) == 0 {
		return InvokeResult{}, fmt.Errorf("llm: no routes configured")
	}

	var lastErr error
	for _, route := range f.routes {
		resp, err := f.tryRoute(ctx, route, tier, req)
		if err == nil {
			return InvokeResult{ChatResponse: resp, Route: route.Name}, nil
		}
		if errors.Is(err, cost.ErrBudgetExceeded) || ctx.Err() != nil {
			return InvokeResult{}, err
		}
		if !Retryable(err) {
			return InvokeResult{}, err
		}
		f.logger.Warn("llm route failed", "route", route.Name, "error", err)
		lastErr = err
	}
	return InvokeResult{}, fmt.Errorf("llm: all routes failed: %w", lastErr)
}

func (f *FailoverInvoker) tryRoute(ctx context.Context, route Route, tier model.Tier, req ChatRequest) (ChatResponse, error) {
	schemaDowngraded := false
	var lastErr error

	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		if err := f.budget.EnsureWithinBudget(ctx, tier); err != nil {
			return ChatResponse{}, err
		}

		resp, err := route.Client.Chat(ctx, req)
		if err == nil {
			usd := EstimateUSD(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			if recErr := f.budget.RecordUsagePriced(ctx, tier, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, usd); recErr != nil {
				return ChatResponse{}, recErr
			}
			f.logger.Debug("recorded llm usage",
				"route", route.Name, "model", resp.Model,
				"input_tokens", resp.Usage.PromptTokens, "output_tokens", resp.Usage.CompletionTokens,
				"cost_usd", usd)
			return resp, nil
		}
		lastErr = err

		// Providers without strict-schema support reject the request
		// with a 400; fall back to plain JSON mode once and re-issue.
		if !schemaDowngraded && schemaUnsupported(err) && req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
			downgraded := *req.ResponseFormat
			downgraded.Type = "json_object"
			req.ResponseFormat = &downgraded
			schemaDowngraded = true
			f.logger.Info("downgrading response format to json_object", "route", route.Name)
			attempt--
			continue
		}

		if !Retryable(err) {
			return ChatResponse{}, err
		}
		if attempt == f.policy.MaxAttempts {
			break
		}

		delay := f.policy.Backoff << (attempt - 1)
		if delay > maxBackoff {
			delay = maxBackoff
		}
		f.logger.Warn("retrying llm call",
			"route", route.Name, "attempt", attempt, "delay", delay, "error", err)
		if err := f.sleep(ctx, delay); err != nil {
			return ChatResponse{}, err
		}
	}
	return ChatResponse{}, fmt.Errorf("llm: route exhausted after %d attempts: %w", f.policy.MaxAttempts, lastErr)
}

// Retryable reports whether an error is transient: rate limiting,
// server-side failures, timeouts, and connection resets.
func Retryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == 429 || status.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// schemaUnsupported detects a 400 complaining about response_format.
func schemaUnsupported(err error) bool {
	var status *StatusError
	if !errors.As(err, &status) || status.Code != 400 {
		return false
	}
	body := strings.ToLower(status.Body)
	return strings.Contains(body, "json_schema") || strings.Contains(body, "response_format")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
