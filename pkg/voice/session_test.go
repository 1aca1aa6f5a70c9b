package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxflow/voxflow/pkg/audio"
	audiomock "github.com/voxflow/voxflow/pkg/audio/mock"
)

// stubIssuer is a scriptable CredentialIssuer.
type stubIssuer struct {
	secret string
	err    error

	gotPrompt string
	gotVoice  string
}

func (i *stubIssuer) Mint(_ context.Context, systemPrompt, voiceID string) (string, error) {
	i.gotPrompt = systemPrompt
	i.gotVoice = voiceID
	return i.secret, i.err
}

// chunkSink records played chunk data in order.
type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *chunkSink) sink(chunk audio.Chunk, _ <-chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk.Data)
	return nil
}

func (s *chunkSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// negotiationRecord captures what the session sent on the offer exchange.
type negotiationRecord struct {
	mu          sync.Mutex
	method      string
	model       string
	bearer      string
	contentType string
	offer       string
}

// startNegotiationServer runs an HTTP endpoint answering offers with answer.
func startNegotiationServer(t *testing.T, status int, answer string) (*httptest.Server, *negotiationRecord) {
	t.Helper()
	rec := &negotiationRecord{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		rec.mu.Lock()
		rec.method = r.Method
		rec.model = r.URL.Query().Get("model")
		rec.bearer = r.Header.Get("Authorization")
		rec.contentType = r.Header.Get("Content-Type")
		rec.offer = string(body)
		rec.mu.Unlock()

		w.WriteHeader(status)
		fmt.Fprint(w, answer)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

// newTestSession wires a session against a mock transport, mock capture,
// stub issuer, and a local negotiation server.
func newTestSession(t *testing.T, opts ...Option) (*Session, *MockTransport, *audiomock.Opener, *negotiationRecord) {
	t.Helper()
	srv, rec := startNegotiationServer(t, http.StatusOK, "v=0\r\nanswer\r\n")
	tr := NewMockTransport()
	opener := &audiomock.Opener{}
	issuer := &stubIssuer{secret: "ephemeral-secret"}

	sess := NewSession(tr, issuer, opener, srv.URL, "rt-voice-1", opts...)
	t.Cleanup(sess.Disconnect)
	return sess, tr, opener, rec
}

// waitEvent drains the event stream until an event of type T arrives.
func waitEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %T", *new(T))
			}
			if typed, match := ev.(T); match {
				return typed
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %T", *new(T))
		}
	}
}

func deliverJSON(t *testing.T, ch *MockChannel, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	ch.Deliver(data)
}

func TestInitOpensSession(t *testing.T) {
	sess, tr, opener, rec := newTestSession(t)

	if err := sess.Init(context.Background(), "be helpful", "alloy"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if got := sess.State(); got != StateOpen {
		t.Errorf("State = %v, want OPEN", got)
	}
	waitEvent[Connected](t, sess.Events())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.method != http.MethodPost {
		t.Errorf("negotiation method = %q, want POST", rec.method)
	}
	if rec.model != "rt-voice-1" {
		t.Errorf("model query = %q", rec.model)
	}
	if rec.bearer != "Bearer ephemeral-secret" {
		t.Errorf("bearer = %q", rec.bearer)
	}
	if rec.contentType != offerContentType {
		t.Errorf("content type = %q", rec.contentType)
	}
	if rec.offer == "" {
		t.Error("offer body empty")
	}

	tr.mu.Lock()
	answer := tr.GotAnswer
	tr.mu.Unlock()
	if answer != "v=0\r\nanswer\r\n" {
		t.Errorf("applied answer = %q", answer)
	}
	if opener.OpenCount != 1 {
		t.Errorf("capture opens = %d, want 1", opener.OpenCount)
	}
}

func TestInitFailsFastOnCredential(t *testing.T) {
	tests := []struct {
		name   string
		issuer *stubIssuer
	}{
		{"issuer error", &stubIssuer{err: errors.New("service down")}},
		{"empty secret", &stubIssuer{secret: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewMockTransport()
			opener := &audiomock.Opener{}
			sess := NewSession(tr, tt.issuer, opener, "http://unused", "m")
			t.Cleanup(sess.Disconnect)

			err := sess.Init(context.Background(), "p", "v")

			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				t.Fatalf("error = %v, want *ConnectionError", err)
			}
			if connErr.Stage != StageCredential {
				t.Errorf("stage = %q, want credential", connErr.Stage)
			}
			if sess.State() != StateFailed {
				t.Errorf("State = %v, want FAILED", sess.State())
			}
			// Fail-fast: nothing downstream was touched.
			if opener.OpenCount != 0 {
				t.Errorf("capture opened despite credential failure")
			}
			waitEvent[SessionError](t, sess.Events())
		})
	}
}

func TestInitFailsOnCapture(t *testing.T) {
	tr := NewMockTransport()
	opener := &audiomock.Opener{Err: errors.New("no microphone")}
	sess := NewSession(tr, &stubIssuer{secret: "s"}, opener, "http://unused", "m")
	t.Cleanup(sess.Disconnect)

	err := sess.Init(context.Background(), "p", "v")

	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Stage != StageCapture {
		t.Fatalf("error = %v, want capture-stage ConnectionError", err)
	}
}

func TestInitFailsOnNegotiationStatus(t *testing.T) {
	srv, _ := startNegotiationServer(t, http.StatusForbidden, "denied")
	tr := NewMockTransport()
	sess := NewSession(tr, &stubIssuer{secret: "s"}, &audiomock.Opener{}, srv.URL, "m")
	t.Cleanup(sess.Disconnect)

	err := sess.Init(context.Background(), "p", "v")

	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Stage != StageNegotiate {
		t.Fatalf("error = %v, want negotiate-stage ConnectionError", err)
	}
}

func TestInitRejectedWhenNotIdle(t *testing.T) {
	sess, _, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := sess.Init(context.Background(), "p", "v"); err == nil {
		t.Fatal("second Init succeeded, want error")
	}
}

func TestSendMessageBeforeOpen(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)

	err := sess.SendMessage("hello")

	if !errors.Is(err, ErrChannelNotReady) {
		t.Fatalf("error = %v, want ErrChannelNotReady", err)
	}
	if sent := tr.Channel().Sent(); len(sent) != 0 {
		t.Errorf("messages sent = %d, want 0", len(sent))
	}
}

func TestSendMessageEmitsOrderedPair(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := sess.SendMessage("how much is shipping?"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	sent := tr.Channel().Sent()
	if len(sent) != 2 {
		t.Fatalf("messages sent = %d, want 2", len(sent))
	}

	var first struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	if err := json.Unmarshal(sent[0], &first); err != nil {
		t.Fatalf("unmarshal first message: %v", err)
	}
	if first.Type != "conversation.item.create" || first.Item.Role != "user" {
		t.Errorf("first message = %s", sent[0])
	}
	if len(first.Item.Content) != 1 || first.Item.Content[0].Type != "input_text" ||
		first.Item.Content[0].Text != "how much is shipping?" {
		t.Errorf("first message content = %s", sent[0])
	}

	var second struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(sent[1], &second); err != nil {
		t.Fatalf("unmarshal second message: %v", err)
	}
	if second.Type != "response.create" {
		t.Errorf("second message type = %q, want response.create", second.Type)
	}
}

func TestAudioDeltasDecodeAndPlayInOrder(t *testing.T) {
	sink := &chunkSink{}
	sess, tr, _, _ := newTestSession(t, WithPlaybackSink(sink.sink))
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	frames := [][]byte{{1, 0}, {2, 0}, {3, 0}}
	for _, f := range frames {
		deliverJSON(t, tr.Channel(), map[string]string{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(f),
		})
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) == len(frames) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := sink.snapshot()
	if len(got) != len(frames) {
		t.Fatalf("played %d chunks, want %d", len(got), len(frames))
	}
	for i := range frames {
		if got[i][0] != frames[i][0] {
			t.Fatalf("playback order %v, want %v", got, frames)
		}
	}
}

func TestAssistantTranscriptAccumulation(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	waitEvent[Connected](t, sess.Events())

	deliverJSON(t, tr.Channel(), map[string]string{"type": "response.audio_transcript.delta", "delta": "Hel"})
	deliverJSON(t, tr.Channel(), map[string]string{"type": "response.audio_transcript.delta", "delta": "lo"})
	deliverJSON(t, tr.Channel(), map[string]string{"type": "response.audio_transcript.done", "transcript": "Hello"})

	first := waitEvent[AssistantTranscript](t, sess.Events())
	if first.Final || first.Text != "Hel" {
		t.Errorf("first delta = %+v", first)
	}
	second := waitEvent[AssistantTranscript](t, sess.Events())
	if second.Final || second.Text != "lo" {
		t.Errorf("second delta = %+v", second)
	}
	final := waitEvent[AssistantTranscript](t, sess.Events())
	if !final.Final || final.Text != "Hello" {
		t.Errorf("final transcript = %+v", final)
	}
}

func TestTranscriptDoneFallsBackToAccumulator(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	waitEvent[Connected](t, sess.Events())

	deliverJSON(t, tr.Channel(), map[string]string{"type": "response.audio_transcript.delta", "delta": "partial"})
	waitEvent[AssistantTranscript](t, sess.Events())
	deliverJSON(t, tr.Channel(), map[string]string{"type": "response.audio_transcript.done"})

	final := waitEvent[AssistantTranscript](t, sess.Events())
	if !final.Final || final.Text != "partial" {
		t.Errorf("final transcript = %+v, want accumulated text", final)
	}
}

func TestUserTranscriptForwarded(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	deliverJSON(t, tr.Channel(), map[string]string{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "do you ship to Canada?",
	})

	got := waitEvent[UserTranscript](t, sess.Events())
	if got.Text != "do you ship to Canada?" {
		t.Errorf("UserTranscript = %q", got.Text)
	}
}

func TestSpeakingFlagTransitions(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	deliverJSON(t, tr.Channel(), map[string]string{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString([]byte{1, 0}),
	})
	up := waitEvent[SpeakingChanged](t, sess.Events())
	if !up.Speaking {
		t.Error("first transition should set speaking")
	}

	// Caller starts speaking: the agent yields.
	deliverJSON(t, tr.Channel(), map[string]string{"type": "input_audio_buffer.speech_started"})
	down := waitEvent[SpeakingChanged](t, sess.Events())
	if down.Speaking {
		t.Error("speech_started should clear speaking")
	}

	// response.done with the flag already cleared emits nothing further —
	// verify the flag state directly.
	deliverJSON(t, tr.Channel(), map[string]string{"type": "response.done"})
	time.Sleep(20 * time.Millisecond)
	if sess.Speaking() {
		t.Error("Speaking() = true after response.done")
	}
}

func TestMalformedEventDroppedAndDispatchContinues(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	tr.Channel().Deliver([]byte("{not json"))
	deliverJSON(t, tr.Channel(), map[string]string{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "still alive",
	})

	got := waitEvent[UserTranscript](t, sess.Events())
	if got.Text != "still alive" {
		t.Errorf("UserTranscript = %q", got.Text)
	}
}

func TestUnknownEventTypeIsNoOp(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	deliverJSON(t, tr.Channel(), map[string]string{"type": "rate_limits.updated"})
	deliverJSON(t, tr.Channel(), map[string]string{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "next",
	})

	got := waitEvent[UserTranscript](t, sess.Events())
	if got.Text != "next" {
		t.Errorf("UserTranscript = %q", got.Text)
	}
}

func TestRemoteErrorSurfacedAsEvent(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	deliverJSON(t, tr.Channel(), map[string]any{
		"type":  "error",
		"error": map[string]string{"type": "server_error", "message": "model overloaded"},
	})

	got := waitEvent[SessionError](t, sess.Events())
	if got.Err == nil || got.Err.Error() != "voice: remote: model overloaded" {
		t.Errorf("SessionError = %v", got.Err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	sess, tr, opener, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sess.Disconnect()
	sess.Disconnect()

	if got := sess.State(); got != StateClosed {
		t.Errorf("State = %v, want CLOSED", got)
	}
	tr.mu.Lock()
	closes := tr.CloseCount
	tr.mu.Unlock()
	if closes != 1 {
		t.Errorf("transport closes = %d, want 1", closes)
	}
	if len(opener.Devices) != 1 || opener.Devices[0].CloseCount != 1 {
		t.Errorf("capture device closes = %+v, want exactly one", opener.Devices)
	}

	// The event stream ends after Disconnected.
	waitEvent[Disconnected](t, sess.Events())
	for range sess.Events() {
	}
}

// gateIssuer parks Mint until the gate opens or the context is cancelled,
// letting tests hold establishment mid-flight.
type gateIssuer struct {
	entered chan struct{}
	release chan struct{}
}

func (i *gateIssuer) Mint(ctx context.Context, _, _ string) (string, error) {
	close(i.entered)
	select {
	case <-i.release:
		return "late-secret", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestDisconnectDuringInitStaysClosed(t *testing.T) {
	issuer := &gateIssuer{entered: make(chan struct{}), release: make(chan struct{})}
	tr := NewMockTransport()
	sess := NewSession(tr, issuer, &audiomock.Opener{}, "http://unused", "m")

	initErr := make(chan error, 1)
	go func() {
		initErr <- sess.Init(context.Background(), "p", "v")
	}()
	<-issuer.entered

	// Disconnect while Init is parked minting the credential. It must abort
	// the mint, wait the establishment out, and only then end the stream.
	sess.Disconnect()

	select {
	case err := <-initErr:
		if err == nil {
			t.Fatal("Init succeeded after Disconnect, want error")
		}
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("Init error = %v, want *ConnectionError", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Init still running after Disconnect returned")
	}

	// Releasing the credential call late must not reopen the session.
	close(issuer.release)
	time.Sleep(20 * time.Millisecond)
	if got := sess.State(); got != StateClosed {
		t.Errorf("State = %v, want CLOSED", got)
	}

	// The stream ends after Disconnected; draining must not panic and no
	// Connected may appear.
	sawDisconnected := false
	for ev := range sess.Events() {
		switch ev.(type) {
		case Connected:
			t.Error("Connected emitted after Disconnect")
		case Disconnected:
			sawDisconnected = true
		}
	}
	if !sawDisconnected {
		t.Error("stream ended without Disconnected")
	}
}

func TestDisconnectRacesNegotiationCompletion(t *testing.T) {
	// Hammer the window between the last establishment stage and the open
	// transition: the session must end CLOSED, never OPEN, on every run.
	for i := 0; i < 25; i++ {
		sess, _, _, _ := newTestSession(t)

		initErr := make(chan error, 1)
		go func() {
			initErr <- sess.Init(context.Background(), "p", "v")
		}()
		sess.Disconnect()
		<-initErr

		if got := sess.State(); got != StateClosed {
			t.Fatalf("run %d: State = %v, want CLOSED", i, got)
		}
		for range sess.Events() {
		}
	}
}

func TestChannelDropTearsSessionDown(t *testing.T) {
	sess, tr, _, _ := newTestSession(t)
	if err := sess.Init(context.Background(), "p", "v"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	waitEvent[Connected](t, sess.Events())

	// The remote drops the control channel mid-call.
	tr.Channel().Close()

	sessErr := waitEvent[SessionError](t, sess.Events())
	if sessErr.Err == nil || !strings.Contains(sessErr.Err.Error(), "control channel dropped") {
		t.Errorf("SessionError = %v, want control channel dropped", sessErr.Err)
	}

	disc := waitEvent[Disconnected](t, sess.Events())
	if disc.Err == nil {
		t.Error("Disconnected.Err = nil, want the drop cause")
	}

	// The stream must end: a consumer ranging over Events() terminates.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sess.Events() {
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("event stream never closed after channel drop")
	}

	if got := sess.State(); got != StateClosed {
		t.Errorf("State = %v, want CLOSED", got)
	}
}

func TestDisconnectAfterFailedInit(t *testing.T) {
	tr := NewMockTransport()
	tr.ChannelErr = errors.New("no channel")
	opener := &audiomock.Opener{}
	sess := NewSession(tr, &stubIssuer{secret: "s"}, opener, "http://unused", "m")

	err := sess.Init(context.Background(), "p", "v")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Stage != StageChannel {
		t.Fatalf("error = %v, want channel-stage ConnectionError", err)
	}

	// Teardown releases what was created (the capture device) and tolerates
	// what was not (queue, decoder, channel).
	sess.Disconnect()
	sess.Disconnect()

	if len(opener.Devices) != 1 || opener.Devices[0].CloseCount != 1 {
		t.Errorf("capture device closes = %+v, want exactly one", opener.Devices)
	}
}
