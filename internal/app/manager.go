package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxflow/voxflow/internal/config"
	"github.com/voxflow/voxflow/internal/leads"
	"github.com/voxflow/voxflow/internal/observe"
	"github.com/voxflow/voxflow/pkg/audio"
	"github.com/voxflow/voxflow/pkg/flow"
	"github.com/voxflow/voxflow/pkg/voice"
)

// ErrManagerClosed is returned by StartCall after Shutdown has begun.
var ErrManagerClosed = errors.New("app: manager closed")

// ErrUnknownFlow is returned by StartCall for a flow id the configuration
// does not carry.
var ErrUnknownFlow = errors.New("app: unknown flow")

// defaultSessionPrompt parameterises the realtime session when the flow
// carries no RagAnswer prompt of its own.
const defaultSessionPrompt = "You are a friendly voice agent on a phone call. Speak naturally and keep replies short."

// SessionFactory creates the voice session for one call. Tests inject a
// factory returning sessions wired to a [voice.MockTransport].
type SessionFactory func(ctx context.Context, ref config.FlowRef) (*voice.Session, error)

// ManagerConfig assembles everything calls share. Interpreter, Flows,
// Definitions, and NewSession are required.
type ManagerConfig struct {
	Interpreter *flow.Interpreter
	Flows       map[string]config.FlowRef
	Definitions map[string]*flow.Definition
	NewSession  SessionFactory

	LeadStore leads.Store
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// CueSink, when set, gives every call its own ringback and hold player.
	CueSink audio.Sink
	RingCue audio.Chunk
	RingMin time.Duration
	HoldCue audio.Chunk

	// DefaultVoice is used when a flow carries no voice override.
	DefaultVoice string

	MaxTurns    int
	StepBudget  int
	HangupGrace time.Duration
}

// Manager owns the set of live calls: it starts them, hands out handles,
// ends them on request, and tears them all down on shutdown. Safe for
// concurrent use.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu      sync.Mutex
	flows   map[string]config.FlowRef
	defs    map[string]*flow.Definition
	calls   map[string]*Call
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a Manager with no live calls.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		flows:   cfg.Flows,
		defs:    cfg.Definitions,
		calls:   make(map[string]*Call),
		cancels: make(map[string]context.CancelFunc),
	}
}

// UpdateFlows replaces the set of startable flows, taking effect on the next
// call. Live calls keep the definitions they started with.
func (m *Manager) UpdateFlows(flows map[string]config.FlowRef, defs map[string]*flow.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = flows
	m.defs = defs
}

// StartCall creates a session for the named flow and runs the call in the
// background. It returns the call id; the call itself outlives ctx, which
// only bounds session creation.
func (m *Manager) StartCall(ctx context.Context, flowID string) (string, error) {
	m.mu.Lock()
	closed := m.closed
	ref, ok := m.flows[flowID]
	def := m.defs[flowID]
	m.mu.Unlock()
	if closed {
		return "", ErrManagerClosed
	}
	if !ok || def == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownFlow, flowID)
	}

	sess, err := m.cfg.NewSession(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("app: create session for flow %q: %w", flowID, err)
	}

	voiceID := ref.Voice
	if voiceID == "" {
		voiceID = m.cfg.DefaultVoice
	}

	var player *audio.CuePlayer
	params := CallParams{
		ID:           uuid.NewString(),
		FlowID:       flowID,
		Definition:   def,
		Session:      sess,
		Interpreter:  m.cfg.Interpreter,
		SystemPrompt: sessionPrompt(def),
		VoiceID:      voiceID,
		LeadStore:    m.cfg.LeadStore,
		MaxTurns:     m.cfg.MaxTurns,
		StepBudget:   m.cfg.StepBudget,
		HangupGrace:  m.cfg.HangupGrace,
		Metrics:      m.cfg.Metrics,
		Logger:       m.log,
	}
	if m.cfg.CueSink != nil {
		player = audio.NewCuePlayer(m.cfg.CueSink)
		params.Cues = player
		params.RingCue = m.cfg.RingCue
		params.RingMin = m.cfg.RingMin
		params.HoldCue = m.cfg.HoldCue
	}
	call := NewCall(params)

	// Calls outlive the request that started them.
	callCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		sess.Disconnect()
		if player != nil {
			player.Close()
		}
		return "", ErrManagerClosed
	}
	m.calls[call.ID()] = call
	m.cancels[call.ID()] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	}
	m.log.Info("call started", "call", call.ID(), "flow", flowID)

	go func() {
		defer m.wg.Done()
		defer cancel()

		if err := call.Run(callCtx); err != nil {
			m.log.Warn("call ended with error", "call", call.ID(), "error", err)
		}
		if player != nil {
			player.Close()
		}

		m.mu.Lock()
		delete(m.calls, call.ID())
		delete(m.cancels, call.ID())
		m.mu.Unlock()

		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)
		}
		m.log.Info("call finished", "call", call.ID())
	}()

	return call.ID(), nil
}

// Call returns the live call with the given id.
func (m *Manager) Call(id string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	return c, ok
}

// Active returns the ids of all live calls.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for id := range m.calls {
		out = append(out, id)
	}
	return out
}

// EndCall hangs up the call with the given id. A finished or unknown id is a
// no-op, so repeated hangups are safe.
func (m *Manager) EndCall(id string) {
	m.mu.Lock()
	call := m.calls[id]
	cancel := m.cancels[id]
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if call != nil {
		call.Hangup()
	}
}

// Shutdown hangs up every live call and waits for their run loops to drain,
// bounded by ctx. No new calls start after Shutdown begins.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	calls := make([]*Call, 0, len(m.calls))
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	for _, cancel := range m.cancels {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, c := range calls {
		c.Hangup()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: shutdown: %w", ctx.Err())
	}
}

// sessionPrompt derives the realtime session's system prompt from the flow:
// the first RagAnswer prompt in declaration order, else a generic default.
func sessionPrompt(def *flow.Definition) string {
	for _, n := range def.Nodes {
		if r, ok := n.(flow.RagAnswerNode); ok && r.SystemPrompt != "" {
			return r.SystemPrompt
		}
	}
	return defaultSessionPrompt
}
