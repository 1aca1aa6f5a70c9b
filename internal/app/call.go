package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/voxflow/voxflow/internal/leads"
	"github.com/voxflow/voxflow/internal/observe"
	"github.com/voxflow/voxflow/pkg/audio"
	"github.com/voxflow/voxflow/pkg/flow"
	"github.com/voxflow/voxflow/pkg/voice"
)

// turnLimitLine closes a call that exhausted its turn budget in a flow
// without an end node.
const turnLimitLine = "Thanks for calling. Goodbye!"

const (
	// defaultStepBudget caps chained node entries within one advance, so a
	// mis-wired graph of back-to-back transitions cannot spin forever.
	defaultStepBudget = 8

	// defaultHangupGrace bounds the wait for the closing line's audio before
	// the session is torn down regardless.
	defaultHangupGrace = 10 * time.Second
)

// CallParams configures one [Call]. ID, FlowID, Definition, Session, and
// Interpreter are required; everything else has a working default.
type CallParams struct {
	ID         string
	FlowID     string
	Definition *flow.Definition

	Session     *voice.Session
	Interpreter *flow.Interpreter

	// SystemPrompt and VoiceID parameterise the realtime session mint.
	SystemPrompt string
	VoiceID      string

	// LeadStore persists collected contact details. Nil disables persistence.
	LeadStore leads.Store

	// Cues, when set, plays the ringback loop for at least RingMin while the
	// session negotiates and serves the hold loop for Hold/Resume.
	Cues    *audio.CuePlayer
	RingCue audio.Chunk
	RingMin time.Duration
	HoldCue audio.Chunk

	// MaxTurns caps caller turns; zero means unlimited.
	MaxTurns int

	// StepBudget overrides defaultStepBudget when positive.
	StepBudget int

	// HangupGrace overrides defaultHangupGrace when positive.
	HangupGrace time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Call drives one live conversation: it establishes the voice session, feeds
// caller transcripts through the flow interpreter, speaks the results, and
// executes the interpreter's side-effect actions. A Call is single-use.
type Call struct {
	id     string
	flowID string

	sess   *voice.Session
	interp *flow.Interpreter
	store  leads.Store

	systemPrompt string
	voiceID      string

	cues    *audio.CuePlayer
	ringCue audio.Chunk
	ringMin time.Duration
	holdCue audio.Chunk

	maxTurns    int
	stepBudget  int
	hangupGrace time.Duration

	metrics *observe.Metrics
	log     *slog.Logger

	mu         sync.Mutex
	fc         *flow.Context
	turns      int
	ending     bool
	graceTimer *time.Timer
}

// NewCall assembles a Call from p. The flow position starts at the
// definition's start node; a graph without one fails soft on the first step.
func NewCall(p CallParams) *Call {
	c := &Call{
		id:           p.ID,
		flowID:       p.FlowID,
		sess:         p.Session,
		interp:       p.Interpreter,
		store:        p.LeadStore,
		systemPrompt: p.SystemPrompt,
		voiceID:      p.VoiceID,
		cues:         p.Cues,
		ringCue:      p.RingCue,
		ringMin:      p.RingMin,
		holdCue:      p.HoldCue,
		maxTurns:     p.MaxTurns,
		stepBudget:   p.StepBudget,
		hangupGrace:  p.HangupGrace,
		metrics:      p.Metrics,
		log:          p.Logger,
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.stepBudget <= 0 {
		c.stepBudget = defaultStepBudget
	}
	if c.hangupGrace <= 0 {
		c.hangupGrace = defaultHangupGrace
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	startID, _ := p.Definition.StartNodeID()
	c.fc = &flow.Context{
		Definition:    p.Definition,
		CurrentNodeID: startID,
	}
	return c
}

// ID returns the call identifier.
func (c *Call) ID() string { return c.id }

// FlowID returns the id of the flow driving this call.
func (c *Call) FlowID() string { return c.flowID }

// History returns a snapshot of the conversation so far.
func (c *Call) History() []flow.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]flow.Message, len(c.fc.History))
	copy(out, c.fc.History)
	return out
}

// Turns returns the number of caller turns consumed.
func (c *Call) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns
}

// Run establishes the session and consumes its event stream until teardown.
// It returns after the Disconnected event; a nil error means the call ran to
// completion, however it ended.
func (c *Call) Run(ctx context.Context) error {
	ctx, span := observe.StartCallSpan(ctx, c.id, c.flowID)
	defer span.End()
	if cid := observe.CorrelationID(ctx); cid != "" {
		c.log = c.log.With("trace_id", cid)
	}

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
		defer c.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	if err := c.establish(ctx); err != nil {
		c.sess.Disconnect()
		return err
	}

	for ev := range c.sess.Events() {
		c.handleEvent(ctx, ev)
	}

	c.mu.Lock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.mu.Unlock()
	return nil
}

// establish runs session negotiation with the ringback cue looping
// alongside. The cue plays for at least its minimum even when negotiation is
// faster; cue failures are absorbed, they never fail the call.
func (c *Call) establish(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "call.establish")
	defer span.End()
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	if c.cues != nil && c.ringMin > 0 {
		g.Go(func() error {
			if err := c.cues.PlayRing(gctx, c.ringCue, c.ringMin); err != nil {
				c.log.Warn("ring cue aborted", "call", c.id, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return c.sess.Init(gctx, c.systemPrompt, c.voiceID)
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("app: call %s: %w", c.id, err)
	}

	if c.metrics != nil {
		c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

func (c *Call) handleEvent(ctx context.Context, ev voice.Event) {
	switch ev := ev.(type) {
	case voice.Connected:
		c.advance(ctx, "")

	case voice.UserTranscript:
		c.onUserTurn(ctx, ev.Text)

	case voice.AssistantTranscript:
		if ev.Final {
			c.log.Debug("assistant utterance", "call", c.id, "text", ev.Text)
		}

	case voice.SpeakingChanged:
		if ev.Speaking {
			return
		}
		c.mu.Lock()
		ending := c.ending
		c.mu.Unlock()
		// The closing line has been spoken; tear down now instead of
		// waiting out the grace timer.
		if ending {
			c.sess.Disconnect()
		}

	case voice.SessionError:
		c.log.Warn("session error", "call", c.id, "error", ev.Err)

	case voice.Disconnected:
		if ev.Err != nil {
			c.log.Warn("call dropped", "call", c.id, "error", ev.Err)
		}
	}
}

// onUserTurn processes one completed caller utterance. A finished utterance
// supersedes whatever the agent was saying, so pending playback is dropped
// first.
func (c *Call) onUserTurn(ctx context.Context, text string) {
	c.sess.ClearPlayback()

	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return
	}
	c.turns++
	over := c.maxTurns > 0 && c.turns > c.maxTurns
	c.mu.Unlock()

	if over {
		c.log.Info("turn budget exhausted", "call", c.id, "turns", c.maxTurns)
		c.wrapUp()
		return
	}
	c.advance(ctx, text)
}

// advance steps the interpreter until it settles on a node waiting for
// input, ends the call, or spends the step budget. Node entries after the
// first step carry no user text.
func (c *Call) advance(ctx context.Context, userText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ending {
		return
	}

	ctx, span := observe.StartSpan(ctx, "flow.advance",
		trace.WithAttributes(attribute.String("flow.node", c.fc.CurrentNodeID)))
	defer span.End()

	text := userText
	for i := 0; i < c.stepBudget; i++ {
		res := c.interp.Step(ctx, c.fc, text)
		if c.metrics != nil {
			c.metrics.RecordFlowStep(ctx, c.flowID, nodeKind(c.fc.Definition, c.fc.CurrentNodeID))
		}
		if text != "" {
			c.fc.History = append(c.fc.History, flow.Message{Role: "user", Content: text})
		}

		c.speakLocked(res.AgentText)
		for _, a := range res.Actions {
			switch a {
			case flow.ActionCollectLeadInfo:
				c.persistLeadLocked(ctx)
			case flow.ActionEndCall:
				// ShouldEndCall drives teardown below.
			}
		}

		if res.ShouldEndCall {
			if res.NextNodeID != "" {
				c.fc.CurrentNodeID = res.NextNodeID
			}
			c.beginEndingLocked()
			return
		}
		if res.NextNodeID == "" || res.NextNodeID == c.fc.CurrentNodeID {
			return
		}
		c.fc.CurrentNodeID = res.NextNodeID
		text = ""
	}

	c.log.Warn("step budget exhausted",
		"call", c.id,
		"flow", c.flowID,
		"node", c.fc.CurrentNodeID,
	)
	c.speakLocked(turnLimitLine)
	c.beginEndingLocked()
}

// wrapUp ends an over-budget call through the flow's end node when it has
// one, else with the generic closing line.
func (c *Call) wrapUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ending {
		return
	}

	line := turnLimitLine
	if end, ok := c.fc.Definition.FirstEndNode(); ok {
		line = end.ClosingMessage
		c.fc.CurrentNodeID = end.NodeID
	}
	c.speakLocked(line)
	c.beginEndingLocked()
}

// speakLocked sends text to the session and records it in history. Called
// with c.mu held.
func (c *Call) speakLocked(text string) {
	if text == "" {
		return
	}
	if err := c.sess.SendMessage(text); err != nil {
		c.log.Warn("speak failed", "call", c.id, "error", err)
		return
	}
	c.fc.History = append(c.fc.History, flow.Message{Role: "assistant", Content: text})
}

// beginEndingLocked marks the call as winding down. The agent's closing line
// fires a SpeakingChanged(false) when its audio finishes, which triggers the
// disconnect; the grace timer covers sessions that never start speaking.
// Called with c.mu held.
func (c *Call) beginEndingLocked() {
	if c.ending {
		return
	}
	c.ending = true
	c.graceTimer = time.AfterFunc(c.hangupGrace, c.sess.Disconnect)
}

// persistLeadLocked saves the collected contact details. Failures are logged
// and absorbed; a storage outage never drops a live call. Called with c.mu
// held.
func (c *Call) persistLeadLocked(ctx context.Context) {
	if c.store == nil || c.fc.Lead == nil {
		return
	}
	lead := leads.Lead{
		ID:             uuid.NewString(),
		CallID:         c.id,
		FlowID:         c.flowID,
		Name:           c.fc.Lead.Name,
		Email:          c.fc.Lead.Email,
		Phone:          c.fc.Lead.Phone,
		ConsentGranted: c.fc.Lead.ConsentGranted,
		CapturedAt:     time.Now().UTC(),
	}
	if err := c.store.Save(ctx, lead); err != nil {
		c.log.Error("lead save failed", "call", c.id, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordLeadCaptured(ctx, c.flowID)
	}
	c.log.Info("lead captured", "call", c.id, "flow", c.flowID, "lead", lead.ID)
}

// GrantConsent flags explicit caller consent for lead collection. Consent
// always arrives out-of-band (DTMF confirmation, an upstream telephony
// flag); an affirmative utterance alone never grants it.
func (c *Call) GrantConsent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fc.Lead == nil {
		c.fc.Lead = &flow.LeadData{}
	}
	c.fc.Lead.ConsentGranted = true
}

// SetLeadDetails records contact details supplied out-of-band. Empty fields
// leave existing values untouched.
func (c *Call) SetLeadDetails(name, email, phone string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fc.Lead == nil {
		c.fc.Lead = &flow.LeadData{}
	}
	if name != "" {
		c.fc.Lead.Name = name
	}
	if email != "" {
		c.fc.Lead.Email = email
	}
	if phone != "" {
		c.fc.Lead.Phone = phone
	}
}

// Hold drops pending agent audio and loops the hold cue until [Call.Resume].
// Starting hold while already on hold restarts the loop. A call without a cue
// player holds silently.
func (c *Call) Hold() {
	c.sess.ClearPlayback()
	if c.cues != nil {
		c.cues.StartHold(c.holdCue)
	}
}

// Resume stops the hold loop.
func (c *Call) Resume() {
	if c.cues != nil {
		c.cues.StopHold()
	}
}

// Hangup ends the call immediately. Safe to call from any goroutine, any
// number of times.
func (c *Call) Hangup() {
	c.sess.Disconnect()
	if c.cues != nil {
		c.cues.StopHold()
	}
}

// nodeKind labels a node for metrics.
func nodeKind(d *flow.Definition, id string) string {
	n, ok := d.NodeByID(id)
	if !ok {
		return "missing"
	}
	switch n.(type) {
	case flow.StartNode:
		return "start"
	case flow.LeadGateNode:
		return "lead_gate"
	case flow.RagAnswerNode:
		return "rag_answer"
	case flow.EndNode:
		return "end"
	default:
		return "unknown"
	}
}
