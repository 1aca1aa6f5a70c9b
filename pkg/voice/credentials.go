package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// CredentialIssuer mints the short-lived secret that authorizes one
// real-time session. An empty secret is fatal to session establishment.
type CredentialIssuer interface {
	Mint(ctx context.Context, systemPrompt, voiceID string) (secret string, err error)
}

// HTTPCredentialIssuer mints ephemeral credentials from an external
// token-issuing service: POST {system_prompt, voice} → {client_secret}.
type HTTPCredentialIssuer struct {
	URL    string
	APIKey string
	Client *http.Client
}

// Compile-time interface assertion.
var _ CredentialIssuer = (*HTTPCredentialIssuer)(nil)

type mintRequest struct {
	SystemPrompt string `json:"system_prompt"`
	Voice        string `json:"voice"`
}

type mintResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

// Mint implements CredentialIssuer.
func (i *HTTPCredentialIssuer) Mint(ctx context.Context, systemPrompt, voiceID string) (string, error) {
	body, err := json.Marshal(mintRequest{SystemPrompt: systemPrompt, Voice: voiceID})
	if err != nil {
		return "", fmt.Errorf("voice: marshal credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("voice: build credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.APIKey)
	}

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("voice: credential request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("voice: credential service returned %d: %s", resp.StatusCode, msg)
	}

	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("voice: decode credential response: %w", err)
	}
	if out.ClientSecret.Value == "" {
		return "", fmt.Errorf("voice: credential service returned no client secret")
	}
	return out.ClientSecret.Value, nil
}
