package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/devloopfleet/devloop/internal/claude"
)

// AgentRequest is the codeagent-facing request, independent of any one
// CLI's flag surface.
type AgentRequest struct {
	SystemPrompt string
	Prompt       string
	Continue     bool
	AllowedTools []string
}

// AgentResponse is the codeagent-facing response.
type AgentResponse struct {
	SessionID    string
	Model        string
	FinalText    string
	InputTokens  int
	OutputTokens int
	TotalCostUSD float64
	Provider     string
}

// CodeAgent is satisfied by any coding-agent adapter: the bundled
// subprocess-backed Claude runner today, any other NDJSON-over-stdout CLI
// tomorrow.
type CodeAgent interface {
	Invoke(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// claudeAgent adapts the existing claude.Runner to CodeAgent.
type claudeAgent struct {
	runner claude.Runner
}

// NewClaudeAgent wraps a claude.Runner as a CodeAgent.
func NewClaudeAgent(runner claude.Runner) CodeAgent {
	return &claudeAgent{runner: runner}
}

func (a *claudeAgent) Invoke(ctx context.Context, req AgentRequest) (AgentResponse, error) {
	respPtr, err := a.runner.Run(ctx, claude.ClaudeRequest{
		SystemPrompt: req.SystemPrompt,
		Prompt:       req.Prompt,
		Continue:     req.Continue,
		AllowedTools: req.AllowedTools,
	})
	if err != nil {
		return AgentResponse{}, err
	}
	resp := respPtr
	text := resp.FinalText
	if text == "" {
		text = resp.StreamText
	}
	return AgentResponse{
		SessionID:    resp.SessionID,
		Model:        resp.Model,
		FinalText:    text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalCostUSD: resp.TotalCostUSD,
		Provider:     "claude",
	}, nil
}

// BreakerAgent wraps any CodeAgent with a circuit breaker, so a provider
// that is timing out or erroring repeatedly stops being hammered and fails
// fast for a cooldown period instead.
type BreakerAgent struct {
	inner   CodeAgent
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerAgent wraps inner with a circuit breaker named for logging.
// The breaker trips open after 3 consecutive failures and stays open for
// 30s before allowing a single probe request through.
func NewBreakerAgent(name string, inner CodeAgent) *BreakerAgent {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &BreakerAgent{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerAgent) Invoke(ctx context.Context, req AgentRequest) (AgentResponse, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Invoke(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return AgentResponse{}, fmt.Errorf("agent circuit breaker %q is open: %w", b.breaker.Name(), err)
		}
		return AgentResponse{}, err
	}
	return result.(AgentResponse), nil
}

// State exposes the breaker's current state for diagnostics/health checks.
func (b *BreakerAgent) State() gobreaker.State {
	return b.breaker.State()
}
