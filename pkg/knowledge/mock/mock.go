// Package mock provides an in-memory [knowledge.Index] for tests.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/voxflow/voxflow/pkg/knowledge"
)

// Compile-time interface assertion.
var _ knowledge.Index = (*Index)(nil)

// Index is an in-memory snippet index with exact cosine-distance search.
// The zero value is ready to use. Safe for concurrent use.
type Index struct {
	mu       sync.Mutex
	snippets map[string]knowledge.Snippet

	// IndexErr, SearchErr and DeleteErr, when set, are returned by the
	// corresponding method instead of operating on the store.
	IndexErr  error
	SearchErr error
	DeleteErr error

	// SearchCalls records the source ID of every Search invocation.
	SearchCalls []string
}

// IndexSnippet implements [knowledge.Index].
func (x *Index) IndexSnippet(_ context.Context, snippet knowledge.Snippet) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.IndexErr != nil {
		return x.IndexErr
	}
	if x.snippets == nil {
		x.snippets = make(map[string]knowledge.Snippet)
	}
	x.snippets[snippet.ID] = snippet
	return nil
}

// Search implements [knowledge.Index] with an exact scan over all snippets
// of the source.
func (x *Index) Search(_ context.Context, embedding []float32, topK int, sourceID string) ([]knowledge.Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.SearchCalls = append(x.SearchCalls, sourceID)
	if x.SearchErr != nil {
		return nil, x.SearchErr
	}

	results := []knowledge.Result{}
	for _, s := range x.snippets {
		if s.SourceID != sourceID {
			continue
		}
		results = append(results, knowledge.Result{
			Snippet:  s,
			Distance: cosineDistance(embedding, s.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteSource implements [knowledge.Index].
func (x *Index) DeleteSource(_ context.Context, sourceID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.DeleteErr != nil {
		return x.DeleteErr
	}
	for id, s := range x.snippets {
		if s.SourceID == sourceID {
			delete(x.snippets, id)
		}
	}
	return nil
}

// Len reports the number of stored snippets.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.snippets)
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
