package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxflow/voxflow/internal/config"
	"github.com/voxflow/voxflow/internal/leads"
	audiomock "github.com/voxflow/voxflow/pkg/audio/mock"
	"github.com/voxflow/voxflow/pkg/voice"
)

const demoFlowYAML = `nodes:
  - id: start
    type: start
    greeting: "Hello, thanks for calling!"
  - id: qa
    type: rag_answer
    system_prompt: "Answer booking questions briefly."
  - id: end
    type: end
    closing_message: "Goodbye!"
edges:
  - source: start
    target: qa
`

func writeDemoFlow(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.yaml")
	if err := os.WriteFile(path, []byte(demoFlowYAML), 0o600); err != nil {
		t.Fatalf("write flow: %v", err)
	}
	return path
}

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Flows: []config.FlowRef{{ID: "demo", Path: writeDemoFlow(t)}},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	srv := negotiationServer(t)

	factory := func(_ context.Context, _ config.FlowRef) (*voice.Session, error) {
		tr := voice.NewMockTransport()
		return voice.NewSession(tr, &stubIssuer{secret: "ephemeral"}, &audiomock.Opener{}, srv.URL, "rt-1",
			voice.WithHTTPClient(srv.Client())), nil
	}

	a, err := New(context.Background(), cfg, nil, WithSessionFactory(factory))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_DefaultsToMemoryLeadStore(t *testing.T) {
	a := newTestApp(t, testAppConfig(t))

	if _, ok := a.leadStore.(*leads.MemoryStore); !ok {
		t.Errorf("leadStore = %T, want *leads.MemoryStore without a DSN", a.leadStore)
	}
	if a.Manager() == nil {
		t.Fatal("Manager() returned nil")
	}
	if _, ok := a.defs["demo"]; !ok {
		t.Error("flow definition not loaded")
	}
}

func TestNew_RejectsNilConfig(t *testing.T) {
	if _, err := New(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNew_FailsOnMissingFlowFile(t *testing.T) {
	cfg := &config.Config{
		Flows: []config.FlowRef{{ID: "demo", Path: "does/not/exist.yaml"}},
	}
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unreadable flow definition")
	}
}

func TestApp_StartCallRunsFlow(t *testing.T) {
	a := newTestApp(t, testAppConfig(t))

	id, err := a.StartCall(context.Background(), "demo")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	call, ok := a.Manager().Call(id)
	if !ok {
		t.Fatal("call not live")
	}
	waitUntil(t, "greeting spoken", func() bool { return len(call.History()) >= 1 })

	hist := call.History()
	if hist[0].Content != "Hello, thanks for calling!" {
		t.Errorf("first utterance = %q", hist[0].Content)
	}

	a.Manager().EndCall(id)
	waitUntil(t, "call to drain", func() bool { return len(a.Manager().Active()) == 0 })
}

func TestApplyConfig_SwapsFlows(t *testing.T) {
	a := newTestApp(t, testAppConfig(t))

	updated := *demoYAMLWithGreeting(t, "Welcome back!")
	if err := a.ApplyConfig(&updated); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	id, err := a.StartCall(context.Background(), "demo")
	if err != nil {
		t.Fatalf("StartCall after reload: %v", err)
	}
	call, ok := a.Manager().Call(id)
	if !ok {
		t.Fatal("call not live")
	}
	waitUntil(t, "greeting spoken", func() bool { return len(call.History()) >= 1 })
	if got := call.History()[0].Content; got != "Welcome back!" {
		t.Errorf("greeting after reload = %q, want %q", got, "Welcome back!")
	}
	a.Manager().EndCall(id)
	waitUntil(t, "call to drain", func() bool { return len(a.Manager().Active()) == 0 })
}

func TestApplyConfig_BadFlowKeepsOld(t *testing.T) {
	a := newTestApp(t, testAppConfig(t))

	bad := &config.Config{
		Flows: []config.FlowRef{{ID: "demo", Path: "does/not/exist.yaml"}},
	}
	if err := a.ApplyConfig(bad); err == nil {
		t.Fatal("expected error for unreadable flow definition")
	}

	// The previous definitions must still be startable.
	id, err := a.StartCall(context.Background(), "demo")
	if err != nil {
		t.Fatalf("StartCall after failed reload: %v", err)
	}
	a.Manager().EndCall(id)
	waitUntil(t, "call to drain", func() bool { return len(a.Manager().Active()) == 0 })
}

// demoYAMLWithGreeting writes a variant of the demo flow and returns a config
// pointing at it.
func demoYAMLWithGreeting(t *testing.T, greeting string) *config.Config {
	t.Helper()
	doc := `nodes:
  - id: start
    type: start
    greeting: "` + greeting + `"
  - id: end
    type: end
    closing_message: "Goodbye!"
edges:
  - source: start
    target: end
`
	path := filepath.Join(t.TempDir(), "demo.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write flow: %v", err)
	}
	return &config.Config{Flows: []config.FlowRef{{ID: "demo", Path: path}}}
}

func TestHealthCheckers_CredentialServiceOnly(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Realtime.CredentialService.URL = "https://issuer.example.com/session"
	a := newTestApp(t, cfg)

	checks := a.healthCheckers()
	if len(checks) != 1 {
		t.Fatalf("len(checks) = %d, want 1", len(checks))
	}
	if checks[0].Name != "credential_service" {
		t.Errorf("check name = %q", checks[0].Name)
	}
}

func TestCredentialIssuer_FallbackWiring(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Realtime.CredentialService.URL = "https://primary.example.com/session"
	a := newTestApp(t, cfg)

	if _, ok := a.credentialIssuer().(*voice.HTTPCredentialIssuer); !ok {
		t.Errorf("issuer without fallbacks = %T, want *voice.HTTPCredentialIssuer", a.credentialIssuer())
	}

	cfg.Realtime.CredentialService.FallbackURLs = []string{"https://backup.example.com/session"}
	if _, ok := a.credentialIssuer().(*voice.HTTPCredentialIssuer); ok {
		t.Error("issuer with fallbacks should be wrapped in a failover group")
	}
}

func TestLoadCue_BuiltinTone(t *testing.T) {
	cue := loadCue("", slog.Default())
	if len(cue.Data) == 0 {
		t.Fatal("built-in cue is empty")
	}
	if cue.SampleRate != cueSampleRate || cue.Channels != 1 {
		t.Errorf("cue format = %d Hz / %d ch", cue.SampleRate, cue.Channels)
	}
}

func TestLoadCue_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.pcm")
	want := []byte{1, 2, 3, 4}
	if err := os.WriteFile(path, want, 0o600); err != nil {
		t.Fatalf("write cue: %v", err)
	}

	cue := loadCue(path, slog.Default())
	if string(cue.Data) != string(want) {
		t.Errorf("cue data = %v, want %v", cue.Data, want)
	}
}

func TestLoadCue_UnreadableFallsBack(t *testing.T) {
	cue := loadCue(filepath.Join(t.TempDir(), "missing.pcm"), slog.Default())
	if len(cue.Data) == 0 {
		t.Error("fallback cue is empty")
	}
}
