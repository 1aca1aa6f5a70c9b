package resilience

import (
	"context"

	"github.com/voxflow/voxflow/pkg/voice"
)

// CredentialFallback implements [voice.CredentialIssuer] with automatic
// failover across multiple token-issuing endpoints. A failed or slow issuer
// should never keep a call from connecting when a healthy replica exists.
type CredentialFallback struct {
	group *FallbackGroup[voice.CredentialIssuer]
}

// Compile-time interface assertion.
var _ voice.CredentialIssuer = (*CredentialFallback)(nil)

// NewCredentialFallback creates a [CredentialFallback] with primary as the
// preferred issuer.
func NewCredentialFallback(primary voice.CredentialIssuer, primaryName string, cfg FallbackConfig) *CredentialFallback {
	return &CredentialFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional credential issuer as a fallback.
func (f *CredentialFallback) AddFallback(name string, issuer voice.CredentialIssuer) {
	f.group.AddFallback(name, issuer)
}

// Mint requests an ephemeral credential from the first healthy issuer.
func (f *CredentialFallback) Mint(ctx context.Context, systemPrompt, voiceID string) (string, error) {
	return ExecuteWithResult(f.group, func(i voice.CredentialIssuer) (string, error) {
		return i.Mint(ctx, systemPrompt, voiceID)
	})
}
