// Package knowledge provides retrieval over per-tenant knowledge sources for
// grounded call answers.
//
// A knowledge source is a named collection of pre-embedded text snippets
// (uploaded documents, FAQ pages, service catalogs). The [Retriever] embeds a
// caller question once, searches every requested source concurrently, and
// returns the most similar passages as plain strings ready for prompt
// injection.
package knowledge

import (
	"context"
	"time"
)

// Snippet is one indexed passage of a knowledge source.
type Snippet struct {
	// ID uniquely identifies the snippet across all sources.
	ID string

	// SourceID names the knowledge source this snippet belongs to.
	SourceID string

	// Content is the passage text returned to callers on a search hit.
	Content string

	// Embedding is the dense vector for Content. Its dimensionality must
	// match the index the snippet is stored in.
	Embedding []float32

	// UpdatedAt records the last time the snippet was (re-)indexed.
	UpdatedAt time.Time
}

// Result pairs a snippet with its cosine distance to the query embedding.
// Lower distance means more similar.
type Result struct {
	Snippet  Snippet
	Distance float64
}

// Index is the abstraction over a vector-searchable snippet store.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// IndexSnippet upserts a pre-embedded snippet. A snippet with the same
	// ID is completely replaced.
	IndexSnippet(ctx context.Context, snippet Snippet) error

	// Search returns the topK snippets of one source closest to the query
	// embedding, ordered by ascending cosine distance.
	Search(ctx context.Context, embedding []float32, topK int, sourceID string) ([]Result, error)

	// DeleteSource removes every snippet of the named source.
	DeleteSource(ctx context.Context, sourceID string) error
}
