package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/voxflow/voxflow/pkg/provider/embeddings"
)

// Retriever embeds a caller question and searches the requested knowledge
// sources concurrently, merging per-source hits into one ranked list.
type Retriever struct {
	index    Index
	embedder embeddings.Provider
	topK     int
	maxDist  float64
	log      *slog.Logger
}

// RetrieverOption is a functional option for [NewRetriever].
type RetrieverOption func(*Retriever)

// WithTopK caps the number of passages returned per retrieval. Defaults to 4.
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) { r.topK = k }
}

// WithMaxDistance drops hits whose cosine distance exceeds d. Zero disables
// the cutoff (the default).
func WithMaxDistance(d float64) RetrieverOption {
	return func(r *Retriever) { r.maxDist = d }
}

// WithRetrieverLogger sets the logger. Defaults to [slog.Default].
func WithRetrieverLogger(log *slog.Logger) RetrieverOption {
	return func(r *Retriever) { r.log = log }
}

// NewRetriever creates a [Retriever] over index using embedder for query
// vectors.
func NewRetriever(index Index, embedder embeddings.Provider, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		index:    index,
		embedder: embedder,
		topK:     4,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve returns the topK passages most relevant to query. The query is
// embedded once; each source is searched in its own goroutine and the merged
// hits are re-ranked by distance before the topK passages are returned.
//
// An empty sourceIDs slice yields no passages and no error. A failure on any
// single source aborts the whole retrieval.
func (r *Retriever) Retrieve(ctx context.Context, sourceIDs []string, query string) ([]string, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	var (
		mu     sync.Mutex
		merged []Result
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, sourceID := range sourceIDs {
		eg.Go(func() error {
			hits, err := r.index.Search(egCtx, vec, r.topK, sourceID)
			if err != nil {
				return fmt.Errorf("knowledge: search source %q: %w", sourceID, err)
			}
			mu.Lock()
			merged = append(merged, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Distance < merged[j].Distance })

	passages := make([]string, 0, r.topK)
	for _, hit := range merged {
		if r.maxDist > 0 && hit.Distance > r.maxDist {
			continue
		}
		passages = append(passages, hit.Snippet.Content)
		if len(passages) == r.topK {
			break
		}
	}

	r.log.Debug("knowledge retrieval",
		"sources", len(sourceIDs),
		"hits", len(merged),
		"returned", len(passages),
	)
	return passages, nil
}
