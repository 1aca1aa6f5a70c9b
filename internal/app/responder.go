package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voxflow/voxflow/internal/observe"
	"github.com/voxflow/voxflow/pkg/flow"
	"github.com/voxflow/voxflow/pkg/knowledge"
	"github.com/voxflow/voxflow/pkg/provider/llm"
)

// LLMResponder generates agent replies through an [llm.Provider]. It maps
// conversation history onto the provider's message format and carries the
// node's system prompt in the request's dedicated field.
type LLMResponder struct {
	provider llm.Provider
	metrics  *observe.Metrics
}

// Compile-time interface assertion.
var _ flow.Responder = (*LLMResponder)(nil)

// NewLLMResponder creates a responder over provider. metrics may be nil.
func NewLLMResponder(provider llm.Provider, metrics *observe.Metrics) *LLMResponder {
	return &LLMResponder{provider: provider, metrics: metrics}
}

// Reply implements flow.Responder.
func (r *LLMResponder) Reply(ctx context.Context, systemPrompt string, history []flow.Message, userText string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "llm.reply")
	defer span.End()

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userText})

	start := time.Now()
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: systemPrompt,
	})
	if r.metrics != nil {
		r.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordProviderError(ctx, "llm", "completion")
		}
		span.RecordError(err)
		return "", fmt.Errorf("app: generate reply: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// passageSource is the slice-returning retrieval API of the knowledge layer.
type passageSource interface {
	Retrieve(ctx context.Context, sourceIDs []string, query string) ([]string, error)
}

// PassageRetriever adapts ranked knowledge passages to the single grounding
// string the flow interpreter injects into its generation prompt.
type PassageRetriever struct {
	source  passageSource
	metrics *observe.Metrics
}

// Compile-time interface assertion.
var _ flow.Retriever = (*PassageRetriever)(nil)

// NewPassageRetriever wraps a [knowledge.Retriever]. metrics may be nil.
func NewPassageRetriever(source *knowledge.Retriever, metrics *observe.Metrics) *PassageRetriever {
	return &PassageRetriever{source: source, metrics: metrics}
}

// Retrieve implements flow.Retriever. Passages are joined with blank lines so
// prompt sections stay visually separate.
func (p *PassageRetriever) Retrieve(ctx context.Context, sourceIDs []string, query string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "knowledge.retrieve")
	defer span.End()

	start := time.Now()
	passages, err := p.source.Retrieve(ctx, sourceIDs, query)
	if p.metrics != nil {
		p.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return strings.Join(passages, "\n\n"), nil
}
