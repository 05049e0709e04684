package ai

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"guata-knowledge-pipeline/internal/logger"
)

// GeminiEmbedder embeds text through the Gemini embeddings API behind a
// rate limiter and a circuit breaker.
type GeminiEmbedder struct {
	client      *genai.Client
	model       string
	dim         int
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dim int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiEmbeddings",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	// Free tier allows 10 RPM; stay just under it
	rateLimiter := rate.NewLimiter(rate.Limit(9.0/60.0), 2)

	return &GeminiEmbedder{
		client:      client,
		model:       model,
		dim:         dim,
		breaker:     breaker,
		rateLimiter: rateLimiter,
	}, nil
}

func (ge *GeminiEmbedder) Dimension() int {
	return ge.dim
}

func (ge *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	tracer := otel.Tracer("gemini-embedder")
	ctx, span := tracer.Start(ctx, "gemini.embed_content")
	defer span.End()

	span.SetAttributes(
		attribute.String("gemini.model", ge.model),
		attribute.Int("gemini.estimated_tokens", EstimateTokens(text)),
	)

	if err := ge.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return nil, err
	}

	result, err := ge.breaker.Execute(func() (interface{}, error) {
		em := ge.client.EmbeddingModel(ge.model)
		resp, err := em.EmbedContent(ctx, genai.Text(text))
		if err != nil {
			return nil, err
		}
		return resp.Embedding.Values, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return nil, err
	}

	values := result.([]float32)
	if len(values) != ge.dim {
		span.SetAttributes(attribute.Bool("gemini.dimension_mismatch", true))
		return nil, &DimensionError{Want: ge.dim, Got: len(values)}
	}

	span.SetAttributes(attribute.Bool("gemini.success", true))
	return values, nil
}

// Close the client
func (ge *GeminiEmbedder) Close() error {
	if ge.client != nil {
		return ge.client.Close()
	}
	return nil
}
