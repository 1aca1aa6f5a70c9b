package flow

import (
	"context"
	"log/slog"
	"strings"
)

// Action is a side-effect tag the call driver executes after a step.
type Action string

const (
	// ActionCollectLeadInfo instructs the driver to persist the caller's
	// contact details.
	ActionCollectLeadInfo Action = "COLLECT_LEAD_INFO"

	// ActionEndCall instructs the driver to wind the call down after the
	// agent text has been spoken.
	ActionEndCall Action = "END_CALL"
)

// StepResult is the outcome of a single interpreter step. A fresh value is
// produced on every step and never retained.
type StepResult struct {
	// AgentText is what the agent says next.
	AgentText string

	// NextNodeID is where the conversation moves. Empty means no next node:
	// only valid together with ShouldEndCall.
	NextNodeID string

	// Actions the call driver must execute, in order.
	Actions []Action

	// ShouldEndCall signals the driver to terminate after speaking AgentText.
	ShouldEndCall bool
}

// Retriever fetches grounding context for a user query from the given
// knowledge sources. Failures are absorbed by the interpreter.
type Retriever interface {
	Retrieve(ctx context.Context, sourceIDs []string, query string) (string, error)
}

// Responder generates the agent's reply from a system prompt, conversation
// history, and the latest user message. Failures are absorbed by the
// interpreter.
type Responder interface {
	Reply(ctx context.Context, systemPrompt string, history []Message, userText string) (string, error)
}

// Spoken fallback lines. The interpreter never surfaces an internal error to
// the caller; every failure path degrades to one of these.
const (
	missingNodeLine   = "I'm sorry, something went wrong on my end. Goodbye!"
	unknownNodeLine   = "Thank you for your time. Goodbye!"
	noEndNodeLine     = "Thanks for calling. Goodbye!"
	gateAdvanceLine   = "Great, thank you!"
	gateNeutralLine   = "Alright, let's continue."
	ragEntryLine      = "I'm listening — what would you like to know?"
	clarificationLine = "Could you tell me a bit more about what you're looking for?"

	// closingInstruction is appended to every generated system prompt.
	closingInstruction = "Stay conversational and keep your answers concise."
)

// Option is a functional option for the [Interpreter].
type Option func(*Interpreter)

// WithClassifier replaces the default [RegexClassifier].
func WithClassifier(c IntentClassifier) Option {
	return func(i *Interpreter) {
		i.classifier = c
	}
}

// WithLogger sets the logger used for absorbed failures. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(i *Interpreter) {
		i.log = log
	}
}

// Interpreter walks a flow graph one utterance at a time. It is stateless
// per call — every input arrives through [Context] and every output leaves
// through [StepResult] — so a single Interpreter is safe to share across
// concurrent calls.
type Interpreter struct {
	retriever  Retriever
	responder  Responder
	classifier IntentClassifier
	log        *slog.Logger
}

// New constructs an Interpreter. retriever and responder are only consulted
// by RagAnswer nodes and may be nil in graphs without them.
func New(retriever Retriever, responder Responder, opts ...Option) *Interpreter {
	i := &Interpreter{
		retriever:  retriever,
		responder:  responder,
		classifier: RegexClassifier{},
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Step advances the conversation by one turn. userText is the caller's
// latest transcribed utterance; empty means the node is being entered
// without one. Step is deterministic given its inputs and never returns an
// error: connection-independent failures degrade to spoken fallbacks.
func (i *Interpreter) Step(ctx context.Context, fc *Context, userText string) StepResult {
	node, ok := fc.Definition.NodeByID(fc.CurrentNodeID)
	if !ok {
		i.log.Error("flow step on missing node",
			"error", &GraphIntegrityError{NodeID: fc.CurrentNodeID, Reason: "not in definition"})
		return StepResult{
			AgentText:     missingNodeLine,
			Actions:       []Action{ActionEndCall},
			ShouldEndCall: true,
		}
	}

	switch n := node.(type) {
	case StartNode:
		next, _ := fc.Definition.NextNodeID(n.NodeID)
		return StepResult{AgentText: n.Greeting, NextNodeID: next}

	case LeadGateNode:
		return i.stepLeadGate(fc, n, userText)

	case RagAnswerNode:
		return i.stepRagAnswer(ctx, fc, n, userText)

	case EndNode:
		return StepResult{
			AgentText:     n.ClosingMessage,
			Actions:       []Action{ActionEndCall},
			ShouldEndCall: true,
		}

	default:
		var typ string
		if u, isUnknown := node.(UnknownNode); isUnknown {
			typ = u.Type
		}
		i.log.Error("flow step on unknown node type",
			"error", &GraphIntegrityError{NodeID: fc.CurrentNodeID, Reason: "unknown type " + typ})
		return StepResult{
			AgentText:     unknownNodeLine,
			Actions:       []Action{ActionEndCall},
			ShouldEndCall: true,
		}
	}
}

// stepLeadGate evaluates the consent gate before any text classification.
// Consent must be flagged explicitly by the driver; an affirmative utterance
// alone never satisfies the gate.
func (i *Interpreter) stepLeadGate(fc *Context, n LeadGateNode, userText string) StepResult {
	if n.ConsentRequired && (fc.Lead == nil || !fc.Lead.ConsentGranted) {
		return StepResult{AgentText: n.ConsentPrompt, NextNodeID: n.NodeID}
	}

	next, _ := fc.Definition.NextNodeID(n.NodeID)
	if i.classifier.Affirmative(userText) {
		return StepResult{
			AgentText:  gateAdvanceLine,
			NextNodeID: next,
			Actions:    []Action{ActionCollectLeadInfo},
		}
	}

	// No affirmative: advance anyway so the gate never holds the caller
	// indefinitely once the explicit consent check has passed.
	return StepResult{AgentText: gateNeutralLine, NextNodeID: next}
}

// stepRagAnswer runs one turn of a grounded sub-conversation.
func (i *Interpreter) stepRagAnswer(ctx context.Context, fc *Context, n RagAnswerNode, userText string) StepResult {
	// First entry: prompt the caller, touch no services.
	if userText == "" {
		return StepResult{AgentText: ragEntryLine, NextNodeID: n.NodeID}
	}

	var retrieved string
	if i.retriever != nil {
		var err error
		retrieved, err = i.retriever.Retrieve(ctx, n.KnowledgeSourceIDs, userText)
		if err != nil {
			i.log.Warn("retrieval failed, speaking fallback",
				"node", n.NodeID,
				"error", &ConversationServiceError{Service: "retrieval", Err: err})
			return i.ragFallback(n)
		}
	}

	if i.responder == nil {
		return i.ragFallback(n)
	}

	reply, err := i.responder.Reply(ctx, buildSystemPrompt(n, retrieved), fc.History, userText)
	if err != nil {
		i.log.Warn("reply generation failed, speaking fallback",
			"node", n.NodeID,
			"error", &ConversationServiceError{Service: "generation", Err: err})
		return i.ragFallback(n)
	}

	// Either side saying goodbye ends the call.
	if i.classifier.EndCall(userText) || i.classifier.EndCall(reply) {
		if end, ok := fc.Definition.FirstEndNode(); ok {
			return StepResult{
				AgentText:     end.ClosingMessage,
				NextNodeID:    end.NodeID,
				Actions:       []Action{ActionEndCall},
				ShouldEndCall: true,
			}
		}
		return StepResult{
			AgentText:     noEndNodeLine,
			Actions:       []Action{ActionEndCall},
			ShouldEndCall: true,
		}
	}

	return StepResult{AgentText: reply, NextNodeID: n.NodeID}
}

// ragFallback keeps the call alive after a service failure: the node's
// configured base prompt when present, else a generic clarification line.
func (i *Interpreter) ragFallback(n RagAnswerNode) StepResult {
	text := n.SystemPrompt
	if text == "" {
		text = clarificationLine
	}
	return StepResult{AgentText: text, NextNodeID: n.NodeID}
}

// buildSystemPrompt assembles the generation prompt: base prompt, optional
// tone directive, retrieved context, fixed closing instruction.
func buildSystemPrompt(n RagAnswerNode, retrieved string) string {
	var b strings.Builder
	b.WriteString(n.SystemPrompt)
	if n.Tone != "" {
		b.WriteString("\n\nTone: ")
		b.WriteString(n.Tone)
	}
	if retrieved != "" {
		b.WriteString("\n\nUse the following context to answer:\n")
		b.WriteString(retrieved)
	}
	b.WriteString("\n\n")
	b.WriteString(closingInstruction)
	return b.String()
}
