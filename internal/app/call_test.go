package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxflow/voxflow/internal/leads"
	"github.com/voxflow/voxflow/pkg/audio"
	audiomock "github.com/voxflow/voxflow/pkg/audio/mock"
	"github.com/voxflow/voxflow/pkg/flow"
	"github.com/voxflow/voxflow/pkg/voice"
)

type stubIssuer struct {
	secret string
	err    error
}

func (i *stubIssuer) Mint(context.Context, string, string) (string, error) {
	return i.secret, i.err
}

// echoResponder answers every question with one fixed line.
type echoResponder struct{ reply string }

func (r *echoResponder) Reply(context.Context, string, []flow.Message, string) (string, error) {
	return r.reply, nil
}

// nullRetriever returns no grounding context.
type nullRetriever struct{}

func (nullRetriever) Retrieve(context.Context, []string, string) (string, error) { return "", nil }

// qaDefinition is a minimal flow: greeting straight into an open Q&A loop,
// with an end node reachable only through an end-of-call phrase.
func qaDefinition() *flow.Definition {
	return &flow.Definition{
		Nodes: []flow.Node{
			flow.StartNode{NodeID: "start", Greeting: "Hi, thanks for calling!"},
			flow.RagAnswerNode{NodeID: "qa", SystemPrompt: "You help with booking questions."},
			flow.EndNode{NodeID: "end", ClosingMessage: "Take care!"},
		},
		Edges: []flow.Edge{{Source: "start", Target: "qa"}},
	}
}

// gateDefinition adds a consent gate between greeting and Q&A.
func gateDefinition() *flow.Definition {
	return &flow.Definition{
		Nodes: []flow.Node{
			flow.StartNode{NodeID: "start", Greeting: "Hi, thanks for calling!"},
			flow.LeadGateNode{NodeID: "gate", ConsentRequired: true, ConsentPrompt: "May I take your details?"},
			flow.RagAnswerNode{NodeID: "qa", SystemPrompt: "You help with booking questions."},
			flow.EndNode{NodeID: "end", ClosingMessage: "Take care!"},
		},
		Edges: []flow.Edge{
			{Source: "start", Target: "gate"},
			{Source: "gate", Target: "qa"},
		},
	}
}

func negotiationServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"session.answer"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type callFixture struct {
	call *Call
	sess *voice.Session
	tr   *voice.MockTransport
	done chan error
}

// startCall runs a call against a mock transport and a stub negotiation
// server, with a short hangup grace so ended calls tear down quickly.
func startCall(t *testing.T, def *flow.Definition, mutate func(*CallParams)) *callFixture {
	t.Helper()
	srv := negotiationServer(t)

	tr := voice.NewMockTransport()
	sess := voice.NewSession(tr, &stubIssuer{secret: "ephemeral"}, &audiomock.Opener{}, srv.URL, "rt-1",
		voice.WithHTTPClient(srv.Client()))

	params := CallParams{
		ID:           "call-1",
		FlowID:       "demo",
		Definition:   def,
		Session:      sess,
		Interpreter:  flow.New(nullRetriever{}, &echoResponder{reply: "Happy to help."}),
		SystemPrompt: "You are a test agent.",
		VoiceID:      "sage",
		HangupGrace:  100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&params)
	}
	c := NewCall(params)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	f := &callFixture{call: c, sess: sess, tr: tr, done: done}
	t.Cleanup(func() {
		c.Hangup()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	})
	return f
}

func deliverTranscript(t *testing.T, tr *voice.MockTransport, text string) {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": text,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	tr.Channel().Deliver(data)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, f *callFixture) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("call did not finish")
		return nil
	}
}

func TestCall_SpeaksGreetingOnConnect(t *testing.T) {
	f := startCall(t, qaDefinition(), nil)

	// Greeting and Q&A entry line, each followed by a response.create.
	waitUntil(t, "opening utterances", func() bool { return len(f.tr.Channel().Sent()) >= 4 })

	sent := f.tr.Channel().Sent()
	if !strings.Contains(string(sent[0]), "Hi, thanks for calling!") {
		t.Errorf("first message = %s, want the greeting", sent[0])
	}
	if !strings.Contains(string(sent[1]), "response.create") {
		t.Errorf("second message = %s, want response.create", sent[1])
	}
	if !strings.Contains(string(sent[2]), "listening") {
		t.Errorf("third message = %s, want the Q&A entry line", sent[2])
	}

	hist := f.call.History()
	if len(hist) != 2 || hist[0].Role != "assistant" || hist[1].Role != "assistant" {
		t.Errorf("history = %+v, want two assistant turns", hist)
	}
}

func TestCall_AnswersQuestion(t *testing.T) {
	f := startCall(t, qaDefinition(), nil)
	waitUntil(t, "call to settle on Q&A", func() bool { return len(f.tr.Channel().Sent()) >= 4 })

	deliverTranscript(t, f.tr, "what are your opening hours")

	waitUntil(t, "answer in history", func() bool {
		for _, m := range f.call.History() {
			if m.Role == "assistant" && m.Content == "Happy to help." {
				return true
			}
		}
		return false
	})

	hist := f.call.History()
	var sawUser bool
	for i, m := range hist {
		if m.Role == "user" && m.Content == "what are your opening hours" {
			sawUser = true
			if i+1 >= len(hist) || hist[i+1].Content != "Happy to help." {
				t.Errorf("answer does not follow the question: %+v", hist)
			}
		}
	}
	if !sawUser {
		t.Errorf("user turn missing from history: %+v", hist)
	}
	if f.call.Turns() != 1 {
		t.Errorf("Turns() = %d, want 1", f.call.Turns())
	}
}

func TestCall_EndPhraseClosesCall(t *testing.T) {
	f := startCall(t, qaDefinition(), nil)
	waitUntil(t, "call to settle on Q&A", func() bool { return len(f.tr.Channel().Sent()) >= 4 })

	deliverTranscript(t, f.tr, "alright, goodbye")

	if err := waitDone(t, f); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.sess.State(); got != voice.StateClosed {
		t.Errorf("session state = %s, want CLOSED", got)
	}

	hist := f.call.History()
	if len(hist) == 0 || hist[len(hist)-1].Content != "Take care!" {
		t.Errorf("history = %+v, want the end node's closing message last", hist)
	}
}

func TestCall_ConsentGateCollectsLead(t *testing.T) {
	store := &leads.MemoryStore{}
	f := startCall(t, gateDefinition(), func(p *CallParams) { p.LeadStore = store })
	waitUntil(t, "consent prompt", func() bool { return len(f.tr.Channel().Sent()) >= 4 })

	// An affirmative without explicit consent re-prompts and captures nothing.
	deliverTranscript(t, f.tr, "yes that's fine")
	waitUntil(t, "gate re-prompt", func() bool { return len(f.tr.Channel().Sent()) >= 6 })
	if store.Len() != 0 {
		t.Fatalf("lead captured without consent")
	}

	f.call.GrantConsent()
	f.call.SetLeadDetails("Ada Lovelace", "ada@example.com", "+44 20 7946 0000")
	deliverTranscript(t, f.tr, "yes please")

	waitUntil(t, "lead persisted", func() bool { return store.Len() == 1 })

	saved, err := store.ByCall(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("ByCall: %v", err)
	}
	lead := saved[0]
	if lead.Name != "Ada Lovelace" || lead.Email != "ada@example.com" {
		t.Errorf("lead = %+v", lead)
	}
	if !lead.ConsentGranted {
		t.Error("lead saved without consent flag")
	}
	if lead.FlowID != "demo" {
		t.Errorf("FlowID = %q, want %q", lead.FlowID, "demo")
	}
}

func TestCall_TurnLimitWrapsUp(t *testing.T) {
	f := startCall(t, qaDefinition(), func(p *CallParams) { p.MaxTurns = 1 })
	waitUntil(t, "call to settle on Q&A", func() bool { return len(f.tr.Channel().Sent()) >= 4 })

	deliverTranscript(t, f.tr, "first question")
	waitUntil(t, "first answer", func() bool { return f.call.Turns() == 1 })

	deliverTranscript(t, f.tr, "second question")

	if err := waitDone(t, f); err != nil {
		t.Fatalf("Run: %v", err)
	}
	hist := f.call.History()
	if len(hist) == 0 || hist[len(hist)-1].Content != "Take care!" {
		t.Errorf("history = %+v, want the closing message after the turn limit", hist)
	}
}

func TestCall_InitFailureReturnsError(t *testing.T) {
	tr := voice.NewMockTransport()
	sess := voice.NewSession(tr, &stubIssuer{err: errors.New("issuer down")}, &audiomock.Opener{},
		"http://127.0.0.1:0", "rt-1")

	c := NewCall(CallParams{
		ID:          "call-err",
		FlowID:      "demo",
		Definition:  qaDefinition(),
		Session:     sess,
		Interpreter: flow.New(nullRetriever{}, &echoResponder{reply: "x"}),
	})

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "issuer down") {
		t.Errorf("err = %v, want wrapped issuer failure", err)
	}
	if got := sess.State(); got != voice.StateClosed {
		t.Errorf("session state = %s, want CLOSED after failed call", got)
	}
}

func TestCall_RingPlaysDuringEstablish(t *testing.T) {
	var (
		mu    sync.Mutex
		plays int
	)
	sink := func(_ audio.Chunk, _ <-chan struct{}) error {
		mu.Lock()
		plays++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	f := startCall(t, qaDefinition(), func(p *CallParams) {
		p.Cues = audio.NewCuePlayer(sink)
		p.RingCue = audio.Chunk{Data: []byte{0, 0}, SampleRate: 24000, Channels: 1}
		p.RingMin = 30 * time.Millisecond
	})
	waitUntil(t, "call established", func() bool { return len(f.tr.Channel().Sent()) >= 2 })

	mu.Lock()
	got := plays
	mu.Unlock()
	if got == 0 {
		t.Error("ring cue never reached the sink")
	}
}

func TestCall_HoldLoopsCueUntilResume(t *testing.T) {
	var (
		mu    sync.Mutex
		plays int
	)
	sink := func(_ audio.Chunk, _ <-chan struct{}) error {
		mu.Lock()
		plays++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	f := startCall(t, qaDefinition(), func(p *CallParams) {
		p.Cues = audio.NewCuePlayer(sink)
		p.HoldCue = audio.Chunk{Data: []byte{0, 0}, SampleRate: 24000, Channels: 1}
	})
	waitUntil(t, "call established", func() bool { return len(f.tr.Channel().Sent()) >= 2 })

	f.call.Hold()
	waitUntil(t, "hold cue playing", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return plays > 0
	})

	f.call.Resume()
	mu.Lock()
	settled := plays
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	after := plays
	mu.Unlock()
	if after > settled+1 {
		t.Errorf("hold cue still looping after Resume: %d -> %d plays", settled, after)
	}

	// Resuming an idle call is a no-op.
	f.call.Resume()
}

func TestCall_HangupIdempotent(t *testing.T) {
	f := startCall(t, qaDefinition(), nil)
	waitUntil(t, "call established", func() bool { return len(f.tr.Channel().Sent()) >= 2 })

	f.call.Hangup()
	f.call.Hangup()

	if err := waitDone(t, f); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tr := f.tr; tr.CloseCount == 0 {
		t.Error("transport never closed")
	}
}
