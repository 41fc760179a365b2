package authorization

import (
	"context"
	"time"

	"medorders_backend/internal/authorization/classifier"
	"medorders_backend/platform/logger"
)

// Gateway abstracts the external classifier so the engine can be exercised
// without network access.
type Gateway interface {
	Complete(ctx context.Context, prompt string) (classifier.Completion, error)
}

// Engine runs the full authorization pipeline: classify, validate, apply
// policy, reconcile. It always returns a structurally valid result; any
// classifier failure degrades to the deterministic heuristics instead of
// leaving the order without an outcome.
type Engine struct {
	gateway  Gateway
	fallback *FallbackAnalyzer
	policy   *PolicyEnforcer
	log      *logger.Logger
}

// NewEngine wires the pipeline. A nil gateway disables the classifier path
// entirely and every analysis runs on heuristics.
func NewEngine(gateway Gateway, fallback *FallbackAnalyzer, policy *PolicyEnforcer, log *logger.Logger) *Engine {
	return &Engine{
		gateway:  gateway,
		fallback: fallback,
		policy:   policy,
		log:      log,
	}
}

// Analyze produces the authoritative analysis for the order snapshot.
func (e *Engine) Analyze(ctx context.Context, in OrderInput) *AnalysisResult {
	result := e.classify(ctx, in)
	e.policy.Apply(in, result)
	Reconcile(in, result)

	if e.log != nil {
		e.log.AnalysisEvent(in.ID.String(), string(result.AnalysisType),
			string(result.Decision), result.Confidence, result.LatencyMs)
	}
	return result
}

// classify tries the classifier path and falls back to heuristics when the
// gateway is absent, errors, or returns an unusable completion.
func (e *Engine) classify(ctx context.Context, in OrderInput) *AnalysisResult {
	if e.gateway == nil {
		return e.fallback.Analyze(in)
	}

	start := time.Now()
	completion, err := e.gateway.Complete(ctx, BuildPrompt(in))
	if err != nil {
		if e.log != nil {
			e.log.ClassifierFallback(in.ID.String(), "classifier call failed", err)
		}
		result := e.fallback.Analyze(in)
		result.LatencyMs = time.Since(start).Milliseconds()
		return result
	}

	validator := NewResponseValidator(e.fallback)
	result, err := validator.ValidateResponse(in, completion.Text, completion.ModelVersion, completion.Latency)
	if err != nil {
		if e.log != nil {
			e.log.ClassifierFallback(in.ID.String(), "unusable classifier response", err)
		}
		fallbackResult := e.fallback.Analyze(in)
		fallbackResult.LatencyMs = time.Since(start).Milliseconds()
		return fallbackResult
	}
	return result
}
