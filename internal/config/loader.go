package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateFallbacks("embeddings", cfg.Providers.Embeddings)...)

	// Realtime endpoint is mandatory once any flow is configured: calls
	// cannot connect without it.
	if len(cfg.Flows) > 0 {
		if cfg.Realtime.Endpoint == "" {
			errs = append(errs, fmt.Errorf("realtime.endpoint is required when flows are configured"))
		}
		if cfg.Realtime.Model == "" {
			errs = append(errs, fmt.Errorf("realtime.model is required when flows are configured"))
		}
		if cfg.Realtime.CredentialService.URL == "" {
			errs = append(errs, fmt.Errorf("realtime.credential_service.url is required when flows are configured"))
		}
	}
	switch cfg.Realtime.AudioFormat {
	case "", "pcm16", "opus":
	default:
		errs = append(errs, fmt.Errorf("realtime.audio_format %q is invalid; valid values: pcm16, opus", cfg.Realtime.AudioFormat))
	}

	// Knowledge availability warnings
	if cfg.Providers.Embeddings.Name != "" && cfg.Knowledge.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but knowledge.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Knowledge.PostgresDSN == "" && len(cfg.Flows) > 0 {
		slog.Warn("knowledge.postgres_dsn is empty; flows will answer without knowledge retrieval")
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.Flows) > 0 {
		slog.Warn("no LLM provider configured; flows will fall back to scripted answers")
	}

	// Flow duplicate ID detection.
	flowIDsSeen := make(map[string]int, len(cfg.Flows))

	for i, flow := range cfg.Flows {
		prefix := fmt.Sprintf("flows[%d]", i)
		if flow.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := flowIDsSeen[flow.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of flows[%d]", prefix, flow.ID, prev))
			}
			flowIDsSeen[flow.ID] = i
		}
		if flow.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", prefix))
		}
	}

	// Call limits
	if cfg.Call.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("call.max_turns %d must not be negative", cfg.Call.MaxTurns))
	}
	if cfg.Call.RingMillis < 0 {
		errs = append(errs, fmt.Errorf("call.ring_millis %d must not be negative", cfg.Call.RingMillis))
	}
	if cfg.Call.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("call.event_buffer %d must not be negative", cfg.Call.EventBuffer))
	}

	return errors.Join(errs...)
}

// validateFallbacks checks the failover chain declared on a provider entry.
// Fallbacks require a primary and a name of their own, and cannot nest.
func validateFallbacks(kind string, entry ProviderEntry) []error {
	if len(entry.Fallbacks) == 0 {
		return nil
	}

	var errs []error
	if entry.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s.fallbacks requires a primary provider name", kind))
	}
	for i, fb := range entry.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(kind, fb.Name)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must not nest", prefix))
		}
	}

	// Embedding fallbacks must stay in the primary's vector space; a
	// different model silently breaks similarity search.
	if kind == "embeddings" {
		for _, fb := range entry.Fallbacks {
			if fb.Model != "" && fb.Model != entry.Model {
				slog.Warn("embeddings fallback uses a different model; vectors may not be comparable",
					"primary", entry.Model, "fallback", fb.Model)
			}
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
