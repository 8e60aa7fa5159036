package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/avrora-labs/opskb/internal/resilience"
)

// GatewayConfig tunes outbound model traffic.
type GatewayConfig struct {
	// RequestsPerSecond caps the sustained call rate. Default: 2.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Default: 1.
	Burst int

	// Retry controls transient-failure retries for Complete. Stream requests
	// are never retried here; the extraction orchestrator owns attempts.
	Retry resilience.RetryConfig

	// Breaker is the circuit breaker to route calls through. A private one
	// is created when nil.
	Breaker *resilience.CircuitBreaker
}

// Gateway routes model calls through a rate limiter and circuit breaker.
// All errors coming out of it are classified as fatal or transient.
type Gateway struct {
	client  Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewGateway wraps a Client with rate limiting, retry, and circuit breaking.
func NewGateway(client Client, cfg GatewayConfig) *Gateway {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	}

	return &Gateway{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		retry:   retry,
	}
}

// Complete issues a single message request. Transient failures are retried
// with backoff; fatal failures return immediately.
func (g *Gateway) Complete(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	return resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*MessageResponse, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "anthropic: rate limiter wait")
		}
		return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*MessageResponse, error) {
			return g.client.CreateMessage(ctx, req)
		})
	})
}

// Stream issues a streaming message request, invoking onDelta per text delta.
// The call passes through the breaker exactly once: re-issuing a prompt is an
// attempt-level decision that belongs to the caller.
func (g *Gateway) Stream(ctx context.Context, req MessageRequest, onDelta func(text string)) (*MessageResponse, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "anthropic: rate limiter wait")
	}
	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*MessageResponse, error) {
		return g.client.StreamMessage(ctx, req, onDelta)
	})
}

// BreakerState reports the current circuit state for observability.
func (g *Gateway) BreakerState() resilience.CircuitState {
	return g.breaker.State()
}
