// Package app wires configuration, model providers, knowledge retrieval,
// lead storage, flow definitions, and the call manager into one runnable
// server process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxflow/voxflow/internal/config"
	"github.com/voxflow/voxflow/internal/health"
	"github.com/voxflow/voxflow/internal/leads"
	"github.com/voxflow/voxflow/internal/observe"
	"github.com/voxflow/voxflow/internal/resilience"
	"github.com/voxflow/voxflow/pkg/audio"
	"github.com/voxflow/voxflow/pkg/flow"
	"github.com/voxflow/voxflow/pkg/knowledge"
	kpostgres "github.com/voxflow/voxflow/pkg/knowledge/postgres"
	"github.com/voxflow/voxflow/pkg/provider/embeddings"
	"github.com/voxflow/voxflow/pkg/provider/llm"
	"github.com/voxflow/voxflow/pkg/voice"
)

// defaultEmbeddingDims matches the common embedding model output size and is
// used when the configuration leaves the dimension unset.
const defaultEmbeddingDims = 1536

// Providers carries the model backends selected by configuration. Either
// field may be nil; the affected capability degrades to its spoken fallback.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// Option is a functional option for [New]. Options mainly exist so tests can
// inject in-memory stores and mock sessions.
type Option func(*App)

// WithKnowledgeIndex replaces the PostgreSQL snippet index.
func WithKnowledgeIndex(idx knowledge.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithLeadStore replaces the configured lead store.
func WithLeadStore(s leads.Store) Option {
	return func(a *App) { a.leadStore = s }
}

// WithRetriever replaces the knowledge-backed retriever entirely.
func WithRetriever(r flow.Retriever) Option {
	return func(a *App) { a.retriever = r }
}

// WithResponder replaces the LLM-backed responder entirely.
func WithResponder(r flow.Responder) Option {
	return func(a *App) { a.responder = r }
}

// WithSessionFactory replaces the realtime session factory.
func WithSessionFactory(f SessionFactory) Option {
	return func(a *App) { a.newSession = f }
}

// WithCaptureOpener sets the microphone source for realtime sessions.
func WithCaptureOpener(o audio.CaptureOpener) Option {
	return func(a *App) { a.capture = o }
}

// WithPlaybackSink sets the output device for session audio.
func WithPlaybackSink(s audio.Sink) Option {
	return func(a *App) { a.playbackSink = s }
}

// WithCueSink sets the output device for ring and hold cues.
func WithCueSink(s audio.Sink) Option {
	return func(a *App) { a.cueSink = s }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithAppLogger sets the application logger. Default: slog.Default().
func WithAppLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// App is the assembled calling server. Create with [New], serve with
// [App.Run], tear down with [App.Shutdown].
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	index        knowledge.Index
	retriever    flow.Retriever
	responder    flow.Responder
	leadStore    leads.Store
	capture      audio.CaptureOpener
	playbackSink audio.Sink
	cueSink      audio.Sink
	newSession   SessionFactory

	flows   map[string]config.FlowRef
	defs    map[string]*flow.Definition
	manager *Manager

	httpSrv  *http.Server
	closers  []func() error
	stopOnce sync.Once
}

// New builds the application from cfg. Initialisation is ordered so a
// failure mid-way releases everything created before it.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}

	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Knowledge retrieval ─────────────────────────────────────────────
	if err := a.initKnowledge(ctx, providers); err != nil {
		a.closeAll()
		return nil, err
	}

	// ── 2. Reply generation ────────────────────────────────────────────────
	if a.responder == nil && providers.LLM != nil {
		a.responder = NewLLMResponder(providers.LLM, a.metrics)
	}

	// ── 3. Lead storage ────────────────────────────────────────────────────
	if err := a.initLeads(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	// ── 4. Flow definitions ────────────────────────────────────────────────
	a.flows = make(map[string]config.FlowRef, len(cfg.Flows))
	a.defs = make(map[string]*flow.Definition, len(cfg.Flows))
	for _, ref := range cfg.Flows {
		def, err := flow.Load(ref.Path)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: load flow %q: %w", ref.ID, err)
		}
		a.flows[ref.ID] = ref
		a.defs[ref.ID] = def
	}

	// ── 5. Interpreter ─────────────────────────────────────────────────────
	// Live transcripts are noisy; the phonetic classifier catches recognition
	// slips ("buy" for "bye") that exact keyword matching misses.
	interp := flow.New(a.retriever, a.responder,
		flow.WithLogger(a.log),
		flow.WithClassifier(flow.NewPhoneticClassifier()),
	)

	// ── 6. Realtime sessions ───────────────────────────────────────────────
	if a.newSession == nil {
		a.newSession = a.realtimeSessionFactory()
	}

	// ── 7. Call manager ────────────────────────────────────────────────────
	ringCue := loadCue(cfg.Call.RingCuePath, a.log)
	holdCue := loadCue(cfg.Call.HoldCuePath, a.log)
	a.manager = NewManager(ManagerConfig{
		Interpreter:  interp,
		Flows:        a.flows,
		Definitions:  a.defs,
		NewSession:   a.newSession,
		LeadStore:    a.leadStore,
		Metrics:      a.metrics,
		Logger:       a.log,
		CueSink:      a.cueSink,
		RingCue:      ringCue,
		RingMin:      time.Duration(cfg.Call.RingMillis) * time.Millisecond,
		HoldCue:      holdCue,
		DefaultVoice: cfg.Realtime.Voice,
		MaxTurns:     cfg.Call.MaxTurns,
	})

	return a, nil
}

// initKnowledge wires the retriever: an injected index, else the configured
// PostgreSQL store, else nothing — RagAnswer nodes then answer ungrounded.
func (a *App) initKnowledge(ctx context.Context, providers *Providers) error {
	if a.retriever != nil {
		return nil
	}
	if a.index == nil {
		if a.cfg.Knowledge.PostgresDSN == "" {
			return nil
		}
		dims := a.cfg.Knowledge.EmbeddingDimensions
		if dims <= 0 {
			dims = defaultEmbeddingDims
		}
		store, err := kpostgres.NewStore(ctx, a.cfg.Knowledge.PostgresDSN, dims)
		if err != nil {
			return fmt.Errorf("app: knowledge store: %w", err)
		}
		a.index = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}
	if providers.Embeddings == nil {
		a.log.Warn("knowledge index configured without an embeddings provider; retrieval disabled")
		return nil
	}

	kOpts := []knowledge.RetrieverOption{knowledge.WithRetrieverLogger(a.log)}
	if a.cfg.Knowledge.TopK > 0 {
		kOpts = append(kOpts, knowledge.WithTopK(a.cfg.Knowledge.TopK))
	}
	if a.cfg.Knowledge.MaxDistance > 0 {
		kOpts = append(kOpts, knowledge.WithMaxDistance(a.cfg.Knowledge.MaxDistance))
	}
	a.retriever = NewPassageRetriever(
		knowledge.NewRetriever(a.index, providers.Embeddings, kOpts...),
		a.metrics,
	)
	return nil
}

// initLeads selects the lead store: injected, else PostgreSQL when a DSN is
// configured, else in-memory.
func (a *App) initLeads(ctx context.Context) error {
	if a.leadStore != nil {
		return nil
	}
	if dsn := a.cfg.Leads.PostgresDSN; dsn != "" {
		store, err := leads.NewPostgresStore(ctx, dsn)
		if err != nil {
			return fmt.Errorf("app: lead store: %w", err)
		}
		a.leadStore = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		return nil
	}
	a.log.Info("no lead database configured, using in-memory store")
	a.leadStore = &leads.MemoryStore{}
	return nil
}

// realtimeSessionFactory builds the production session factory: WebSocket
// transport against the configured endpoint, credentials from the issuing
// service with failover across its replicas.
func (a *App) realtimeSessionFactory() SessionFactory {
	rt := a.cfg.Realtime
	issuer := a.credentialIssuer()

	return func(_ context.Context, _ config.FlowRef) (*voice.Session, error) {
		if a.capture == nil {
			return nil, fmt.Errorf("app: no capture device configured")
		}
		opts := []voice.Option{voice.WithLogger(a.log)}
		if a.playbackSink != nil {
			opts = append(opts, voice.WithPlaybackSink(a.playbackSink))
		}
		if a.cfg.Call.EventBuffer > 0 {
			opts = append(opts, voice.WithEventBuffer(a.cfg.Call.EventBuffer))
		}
		if rt.AudioFormat == "opus" {
			opts = append(opts, voice.WithDecoder(func() (audio.Decoder, error) {
				return audio.NewOpusDecoder(1)
			}))
		}
		transport := &voice.WebSocketTransport{URL: rt.Endpoint}
		return voice.NewSession(transport, issuer, a.capture, rt.Endpoint, rt.Model, opts...), nil
	}
}

// credentialIssuer builds the ephemeral-credential source, wrapping the
// primary in a failover group when fallback endpoints are configured.
func (a *App) credentialIssuer() voice.CredentialIssuer {
	cs := a.cfg.Realtime.CredentialService
	primary := &voice.HTTPCredentialIssuer{URL: cs.URL, APIKey: cs.APIKey}
	if len(cs.FallbackURLs) == 0 {
		return primary
	}

	group := resilience.NewCredentialFallback(primary, "primary", resilience.FallbackConfig{})
	for i, url := range cs.FallbackURLs {
		group.AddFallback(
			fmt.Sprintf("fallback-%d", i+1),
			&voice.HTTPCredentialIssuer{URL: url, APIKey: cs.APIKey},
		)
	}
	return group
}

// ApplyConfig hot-applies a reloaded configuration: flow definitions are
// re-read and swapped in for subsequent calls. Connection settings are not
// re-applied; those need a restart. On any load failure the previous flows
// stay active and the error is returned.
func (a *App) ApplyConfig(newCfg *config.Config) error {
	flows := make(map[string]config.FlowRef, len(newCfg.Flows))
	defs := make(map[string]*flow.Definition, len(newCfg.Flows))
	for _, ref := range newCfg.Flows {
		def, err := flow.Load(ref.Path)
		if err != nil {
			return fmt.Errorf("app: reload flow %q: %w", ref.ID, err)
		}
		flows[ref.ID] = ref
		defs[ref.ID] = def
	}

	a.flows = flows
	a.defs = defs
	a.manager.UpdateFlows(flows, defs)
	a.log.Info("flow definitions reloaded", "flows", len(flows))
	return nil
}

// Manager returns the call manager.
func (a *App) Manager() *Manager { return a.manager }

// StartCall starts a call on the named flow.
func (a *App) StartCall(ctx context.Context, flowID string) (string, error) {
	return a.manager.StartCall(ctx, flowID)
}

// Run serves the health and metrics endpoints until ctx is cancelled or the
// server fails. Calls are started through [App.StartCall] while Run blocks.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	health.New(a.healthCheckers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.httpSrv = srv

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.log.Info("server listening", "addr", addr, "flows", len(a.flows))

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// healthCheckers assembles readiness checks for every wired dependency.
func (a *App) healthCheckers() []health.Checker {
	var checks []health.Checker
	if p, ok := a.index.(health.Pinger); ok {
		checks = append(checks, health.Database("knowledge", p))
	}
	if p, ok := a.leadStore.(health.Pinger); ok {
		checks = append(checks, health.Database("leads", p))
	}
	if url := a.cfg.Realtime.CredentialService.URL; url != "" {
		checks = append(checks, health.CredentialService(url, nil))
	}
	return checks
}

// Shutdown stops the HTTP server, hangs up every live call, and releases
// stores in reverse initialisation order. Repeated calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.httpSrv != nil {
			if serr := a.httpSrv.Shutdown(ctx); serr != nil {
				err = serr
			}
		}
		if a.manager != nil {
			if serr := a.manager.Shutdown(ctx); serr != nil && err == nil {
				err = serr
			}
		}
		a.closeAll()
	})
	return err
}

// closeAll releases owned resources in reverse initialisation order.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// ── Ring cue ───────────────────────────────────────────────────────────────────

const (
	cueSampleRate = 24000
	cueToneHz     = 440.0
	cueToneSecs   = 1
)

// loadCue reads a raw PCM16 cue file, falling back to the built-in tone when
// the path is empty or unreadable.
func loadCue(path string, log *slog.Logger) audio.Chunk {
	if path == "" {
		return builtinRingCue()
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		log.Warn("audio cue unreadable, using built-in tone", "path", path, "error", err)
		return builtinRingCue()
	}
	return audio.Chunk{Data: data, SampleRate: cueSampleRate, Channels: 1}
}

// builtinRingCue synthesises one second of a 440 Hz sine as mono PCM16.
func builtinRingCue() audio.Chunk {
	samples := cueSampleRate * cueToneSecs
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*cueToneHz*float64(i)/cueSampleRate))
		data[2*i] = byte(v)
		data[2*i+1] = byte(v >> 8)
	}
	return audio.Chunk{Data: data, SampleRate: cueSampleRate, Channels: 1}
}
