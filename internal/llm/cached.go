package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/horadus-ai/horadus/internal/model"
)

// ResponseCache stores completions keyed by stage, model, prompt and
// payload digests. Satisfied by the cache package's Semantic cache.
type ResponseCache interface {
	Get(ctx context.Context, stage, model, prompt, payload string) (string, bool, error)
	Put(ctx context.Context, stage, model, prompt, payload, response string) error
}

// Invoker is the completion contract the wrapper decorates.
type Invoker interface {
	Invoke(ctx context.Context, tier model.Tier, req ChatRequest) (InvokeResult, error)
}

// CachedInvoker serves repeated requests from the semantic cache. Cache
// hits bypass the budget gate entirely: no provider call, no spend.
type CachedInvoker struct {
	inner     Invoker
	cache     ResponseCache
	modelName string
	logger    *slog.Logger
}

// NewCachedInvoker wraps inner with response caching. modelName
// namespaces the keys so a model upgrade invalidates prior entries.
func NewCachedInvoker(inner Invoker, cache ResponseCache, modelName string, logger *slog.Logger) *CachedInvoker {
	return &CachedInvoker{inner: inner, cache: cache, modelName: modelName, logger: logger}
}

// Invoke checks the cache before delegating; responses from successful
// provider calls are written back. Cache faults degrade to the inner
// invoker rather than failing the request.
func (c *CachedInvoker) Invoke(ctx context.Context, tier model.Tier, req ChatRequest) (InvokeResult, error) {
	prompt, payload := splitRequest(req)
	stage := string(tier)

	cached, hit, err := c.cache.Get(ctx, stage, c.modelName, prompt, payload)
	if err != nil {
		c.logger.Warn("response cache read failed", "stage", stage, "error", err)
	} else if hit {
		return InvokeResult{
			ChatResponse: ChatResponse{Content: cached, Model: c.modelName},
			Route:        "cache",
		}, nil
	}

	res, err := c.inner.Invoke(ctx, tier, req)
	if err != nil {
		return res, err
	}
	if err := c.cache.Put(ctx, stage, c.modelName, prompt, payload, res.Content); err != nil {
		c.logger.Warn("response cache write failed", "stage", stage, "error", err)
	}
	return res, nil
}

// splitRequest separates the stable system prompt from the per-call
// payload so prompt revisions and payload changes each roll the key.
func splitRequest(req ChatRequest) (prompt, payload string) {
	var system []string
	var rest []Message
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	raw, err := json.Marshal(rest)
	if err != nil {
		// Messages are plain strings; this cannot realistically fail.
		raw = nil
	}
	return strings.Join(system, "\n"), string(raw)
}
