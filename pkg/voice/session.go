// Package voice manages the real-time session with a remote speech model:
// session establishment (ephemeral credential, microphone capture, control
// channel, offer/answer negotiation), ordered dispatch of inbound protocol
// events, outbound message sending, and single-shot teardown.
package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/voxflow/voxflow/pkg/audio"
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// offerContentType identifies the offer format on the negotiation exchange.
const offerContentType = "application/sdp"

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithHTTPClient sets the client used for the negotiation exchange.
// Default: http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

// WithDecoder sets the factory for the audio decode context created when the
// session opens. Default: [audio.NewPCM16Decoder].
func WithDecoder(factory func() (audio.Decoder, error)) Option {
	return func(s *Session) { s.newDecoder = factory }
}

// WithPlaybackSink sets the output sink for the playback queue the session
// creates on open. Tests use a recording sink; production wires the output
// device. Default: a discarding sink.
func WithPlaybackSink(sink audio.Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithEventBuffer sets the event channel capacity. Default: 32.
func WithEventBuffer(n int) Option {
	return func(s *Session) { s.eventBuf = n }
}

// WithLogger sets the session logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Session owns one real-time voice connection: exactly one live Session
// exists per call. Create with [NewSession], establish with [Session.Init],
// tear down with [Session.Disconnect].
type Session struct {
	transport Transport
	issuer    CredentialIssuer
	capture   audio.CaptureOpener

	// endpoint is the HTTPS negotiation URL; model is passed as a query
	// parameter on the offer exchange.
	endpoint string
	model    string

	httpClient *http.Client
	newDecoder func() (audio.Decoder, error)
	sink       audio.Sink
	eventBuf   int
	log        *slog.Logger

	events chan Event

	mu         sync.Mutex
	state      State
	channel    Channel
	captureDev audio.CaptureDevice
	decoder    audio.Decoder
	queue      *audio.PlaybackQueue

	// txAccum accumulates assistant transcript deltas until the done event.
	// Owned by the dispatch goroutine; the mutex covers reads from tests.
	txAccum strings.Builder

	// speaking tracks whether the agent currently holds the floor.
	speaking bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSession creates an idle session. endpoint is the negotiation URL of the
// remote speech service and model selects the realtime model on it.
func NewSession(transport Transport, issuer CredentialIssuer, capture audio.CaptureOpener, endpoint, model string, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport:  transport,
		issuer:     issuer,
		capture:    capture,
		endpoint:   endpoint,
		model:      model,
		httpClient: http.DefaultClient,
		newDecoder: func() (audio.Decoder, error) { return audio.NewPCM16Decoder(), nil },
		sink:       func(_ audio.Chunk, _ <-chan struct{}) error { return nil },
		eventBuf:   32,
		log:        slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.events = make(chan Event, s.eventBuf)
	return s
}

// Events returns the session's ordered event stream. The channel is closed
// after the Disconnected event when the session tears down.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init establishes the session: mints an ephemeral credential, acquires
// microphone capture, creates the control channel, exchanges offer/answer
// over HTTPS with the credential as bearer token, and applies the answer.
// The steps run strictly in order; the first failure returns a
// [*ConnectionError], emits a [SessionError] event, and leaves the session
// in the failed state — unusable, to be discarded after [Session.Disconnect].
func (s *Session) Init(ctx context.Context, systemPrompt, voiceID string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("voice: init from state %s", state)
	}
	s.state = StateConnecting
	// Hold an establishment token so Disconnect waits out a mid-flight Init
	// before it closes the event stream.
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	// Every stage runs under the session lifetime as well as the caller's
	// deadline: Disconnect aborts a parked stage instead of racing it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	secret, err := s.issuer.Mint(ctx, systemPrompt, voiceID)
	if err != nil {
		return s.failInit(StageCredential, err)
	}
	if secret == "" {
		return s.failInit(StageCredential, fmt.Errorf("issuer returned empty credential"))
	}

	dev, err := s.capture.Open(ctx)
	if err != nil {
		return s.failInit(StageCapture, err)
	}
	s.mu.Lock()
	s.captureDev = dev
	s.mu.Unlock()

	ch, err := s.transport.OpenChannel(ctx)
	if err != nil {
		return s.failInit(StageChannel, err)
	}
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		return s.failInit(StageNegotiate, err)
	}
	answer, err := s.negotiate(ctx, secret, offer)
	if err != nil {
		return s.failInit(StageNegotiate, err)
	}
	if err := s.transport.AcceptAnswer(ctx, answer); err != nil {
		return s.failInit(StageNegotiate, err)
	}

	decoder, err := s.newDecoder()
	if err != nil {
		return s.failInit(StageNegotiate, err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnect won the race; stay closed and start nothing.
		state := s.state
		s.mu.Unlock()
		return &ConnectionError{Stage: StageNegotiate, Err: fmt.Errorf("session %s during negotiation", state)}
	}
	s.decoder = decoder
	s.queue = audio.NewPlaybackQueue(s.sink)
	s.state = StateOpen
	s.wg.Add(1)
	s.mu.Unlock()

	s.emit(Connected{})

	go s.dispatchLoop()

	return nil
}

// failInit records a failed establishment. Owned resources are left in
// place for [Session.Disconnect] to release. A session already closed by a
// concurrent Disconnect stays closed.
func (s *Session) failInit(stage string, err error) error {
	connErr := &ConnectionError{Stage: stage, Err: err}

	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateFailed
	}
	s.mu.Unlock()

	s.emit(SessionError{Err: connErr})
	return connErr
}

// negotiate POSTs the raw offer to the remote endpoint and returns the
// answer body. Non-2xx is fatal.
func (s *Session) negotiate(ctx context.Context, secret, offer string) (string, error) {
	url := s.endpoint + "?model=" + s.model

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("build negotiation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", offerContentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("negotiation exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read negotiation answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("negotiation endpoint returned %d: %s", resp.StatusCode, body)
	}
	return string(body), nil
}

// SendMessage emits a typed user utterance to the model: a
// conversation.item.create carrying the text, then a response.create
// requesting the reply — in that order, on the same ordered channel.
// Returns [ErrChannelNotReady] unless the session is open.
func (s *Session) SendMessage(text string) error {
	s.mu.Lock()
	ch := s.channel
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || ch == nil {
		return ErrChannelNotReady
	}

	if err := s.sendJSON(ch, newUserMessage(text)); err != nil {
		return fmt.Errorf("voice: send user message: %w", err)
	}
	if err := s.sendJSON(ch, newResponseCreate()); err != nil {
		return fmt.Errorf("voice: request response: %w", err)
	}
	return nil
}

// Disconnect is the single teardown entry point: callable from any state,
// including mid-Init and after a failed Init. It releases every owned
// resource exactly once, tolerating resources that were never created.
// Repeated calls are no-ops.
func (s *Session) Disconnect() {
	s.disconnect(nil)
}

// disconnect tears the session down, closing the event stream after a final
// Disconnected event. cause is non-nil when teardown was forced by a control
// channel drop rather than requested.
func (s *Session) disconnect(cause error) {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		// Wait out the dispatcher and any mid-flight Init: both hold wg
		// tokens and may still emit. The cancelled session context unparks
		// whichever stage they are blocked in.
		s.wg.Wait()

		// Snapshot after the wait so resources an aborting Init stored late
		// are still released.
		s.mu.Lock()
		ch := s.channel
		dev := s.captureDev
		queue := s.queue
		s.mu.Unlock()

		if ch != nil {
			_ = ch.Close()
		}
		_ = s.transport.Close()

		if dev != nil {
			_ = dev.Close()
			audio.Drain(dev.Chunks())
		}
		if queue != nil {
			queue.Close()
		}

		s.emit(Disconnected{Err: cause})
		close(s.events)
	})
}

// ── Dispatch ───────────────────────────────────────────────────────────────────

// dispatchLoop is the single consumer of the control channel: messages are
// processed to completion in arrival order, one at a time. Malformed
// payloads are logged and dropped; they never escape the loop.
func (s *Session) dispatchLoop() {
	defer s.wg.Done()

	for {
		data, err := s.channel.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// The remote dropped the channel: the session cannot recover, so
			// run the full teardown and let consumers see Disconnected with
			// the cause. Teardown waits for this goroutine, hence detached.
			dropErr := fmt.Errorf("voice: control channel dropped: %w", err)
			s.emit(SessionError{Err: dropErr})
			go s.disconnect(dropErr)
			return
		}

		evt, err := parseEvent(data)
		if err != nil {
			s.log.Warn("dropping malformed protocol event", "error", err)
			continue
		}
		s.handleEvent(evt)
	}
}

func (s *Session) handleEvent(evt *serverEvent) {
	switch evt.Type {
	case evtSessionCreated:
		s.log.Debug("remote session created")

	case evtAudioDelta:
		if evt.Delta == "" {
			return
		}
		frame, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(frame) == 0 {
			s.log.Warn("dropping undecodable audio delta", "error", err)
			return
		}
		chunk, err := s.decoder.Decode(frame)
		if err != nil {
			s.log.Warn("dropping audio delta", "error", err)
			return
		}
		// Enqueue is non-blocking: dispatch never waits on playback.
		s.queue.Enqueue(chunk)
		s.setSpeaking(true)

	case evtTranscriptDelta:
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.txAccum.WriteString(evt.Delta)
		s.mu.Unlock()
		s.emit(AssistantTranscript{Text: evt.Delta})

	case evtTranscriptDone:
		s.mu.Lock()
		text := evt.Transcript
		if text == "" {
			text = s.txAccum.String()
		}
		s.txAccum.Reset()
		s.mu.Unlock()

		if text != "" {
			s.emit(AssistantTranscript{Text: text, Final: true})
		}

	case evtSpeechStarted:
		// The caller has the floor; the agent yields.
		s.setSpeaking(false)

	case evtSpeechStopped:
		s.log.Debug("caller stopped speaking")

	case evtInputTranscriptComplete:
		if evt.Transcript == "" {
			return
		}
		s.emit(UserTranscript{Text: evt.Transcript})

	case evtResponseDone:
		s.setSpeaking(false)

	case evtError:
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(SessionError{Err: fmt.Errorf("voice: remote: %s", msg)})

	default:
		s.log.Debug("ignoring protocol event", "type", evt.Type)
	}
}

// setSpeaking updates the speaking flag, emitting SpeakingChanged only on
// transitions. Mutated exclusively from the dispatch path.
func (s *Session) setSpeaking(speaking bool) {
	s.mu.Lock()
	changed := s.speaking != speaking
	s.speaking = speaking
	s.mu.Unlock()

	if changed {
		s.emit(SpeakingChanged{Speaking: speaking})
	}
}

// Speaking reports whether the agent currently holds the floor.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// PlaybackDepth returns the number of chunks waiting in the playback queue,
// or zero before the session opens.
func (s *Session) PlaybackDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return s.queue.Depth()
}

// ClearPlayback drops pending playback and interrupts the chunk currently
// playing. Used by the call driver when the caller barges in.
func (s *Session) ClearPlayback() {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue != nil {
		queue.Clear()
	}
}

// emit delivers an event, dropping it if the session is tearing down and
// nobody drains the stream.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		// Teardown in progress: deliver best-effort without blocking.
		select {
		case s.events <- ev:
		default:
			s.log.Debug("dropping event during teardown", "event", fmt.Sprintf("%T", ev))
		}
	}
}

// sendJSON marshals v and sends it on ch.
func (s *Session) sendJSON(ch Channel, v any) error {
	data, err := marshalJSON(v)
	if err != nil {
		return err
	}
	return ch.Send(s.ctx, data)
}
