package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPCredentialIssuerMint(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody mintRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode mint request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek-12345"}}`))
	}))
	defer srv.Close()

	issuer := &HTTPCredentialIssuer{URL: srv.URL, APIKey: "sk-test", Client: srv.Client()}
	secret, err := issuer.Mint(context.Background(), "You are a helpful receptionist.", "verse")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if secret != "ek-12345" {
		t.Errorf("secret = %q, want %q", secret, "ek-12345")
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody.SystemPrompt != "You are a helpful receptionist." || gotBody.Voice != "verse" {
		t.Errorf("mint request = %+v", gotBody)
	}
}

func TestHTTPCredentialIssuerNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	issuer := &HTTPCredentialIssuer{URL: srv.URL, Client: srv.Client()}
	_, err := issuer.Mint(context.Background(), "prompt", "verse")
	if err == nil {
		t.Fatal("Mint succeeded on 429 response")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error = %v", err)
	}
}

func TestHTTPCredentialIssuerEmptySecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"client_secret":{"value":""}}`))
	}))
	defer srv.Close()

	issuer := &HTTPCredentialIssuer{URL: srv.URL, Client: srv.Client()}
	_, err := issuer.Mint(context.Background(), "prompt", "verse")
	if err == nil {
		t.Fatal("Mint succeeded with empty client secret")
	}
	if !strings.Contains(err.Error(), "no client secret") {
		t.Errorf("error = %v", err)
	}
}

func TestHTTPCredentialIssuerOmitsAuthWithoutKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek-anon"}}`))
	}))
	defer srv.Close()

	issuer := &HTTPCredentialIssuer{URL: srv.URL, Client: srv.Client()}
	if _, err := issuer.Mint(context.Background(), "prompt", "verse"); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want empty", gotAuth)
	}
}
