// Package flow implements the dialogue-script engine that drives a voice
// call: a directed graph of typed conversation nodes (Start, LeadGate,
// RagAnswer, End) walked by a stateless [Interpreter] that decides, per user
// utterance, what the agent says next, where the conversation moves, and
// which side-effect actions the call driver must execute.
package flow

// Node is a typed step in a flow graph. The set of variants is closed:
// [StartNode], [LeadGateNode], [RagAnswerNode], [EndNode], plus [UnknownNode]
// for definitions carrying node types this build does not understand. The
// unexported marker method prevents external packages from adding variants,
// so a type switch over Node can be treated as exhaustive.
type Node interface {
	// ID returns the node's unique identifier within its graph.
	ID() string

	isNode()
}

// StartNode opens the call with a fixed greeting and immediately hands off
// to its outgoing edge.
type StartNode struct {
	NodeID   string
	Greeting string
}

// LeadGateNode gates the conversation on explicit caller consent before lead
// information may be collected.
type LeadGateNode struct {
	NodeID          string
	ConsentRequired bool
	ConsentPrompt   string
}

// RagAnswerNode is an open-ended sub-conversation: it answers user questions
// grounded in the configured knowledge sources and self-loops until an
// end-of-call phrase is detected.
type RagAnswerNode struct {
	NodeID             string
	SystemPrompt       string
	Tone               string
	KnowledgeSourceIDs []string
}

// EndNode terminates the call with a closing message.
type EndNode struct {
	NodeID         string
	ClosingMessage string
}

// UnknownNode preserves a node whose type tag this build does not recognise.
// Definitions decode without error; the interpreter terminates the call
// gracefully if one is ever reached.
type UnknownNode struct {
	NodeID string
	Type   string
}

func (n StartNode) ID() string     { return n.NodeID }
func (n LeadGateNode) ID() string  { return n.NodeID }
func (n RagAnswerNode) ID() string { return n.NodeID }
func (n EndNode) ID() string       { return n.NodeID }
func (n UnknownNode) ID() string   { return n.NodeID }

func (StartNode) isNode()     {}
func (LeadGateNode) isNode()  {}
func (RagAnswerNode) isNode() {}
func (EndNode) isNode()       {}
func (UnknownNode) isNode()   {}

// Edge connects a source node to a target node. At most one outgoing edge
// per source is consulted; the first match in declaration order wins.
type Edge struct {
	Source string
	Target string
}

// Definition is a complete flow graph: an ordered set of nodes plus the
// edges between them. Definitions are read-only after loading and safe to
// share across concurrent calls.
type Definition struct {
	Nodes []Node
	Edges []Edge
}

// NodeByID returns the first node with the given id.
func (d *Definition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID() == id {
			return n, true
		}
	}
	return nil, false
}

// NextNodeID returns the target of the first edge whose source matches the
// given node id. A node with no outgoing edge has no next node.
func (d *Definition) NextNodeID(source string) (string, bool) {
	for _, e := range d.Edges {
		if e.Source == source {
			return e.Target, true
		}
	}
	return "", false
}

// StartNodeID returns the id of the first [StartNode] in declaration order.
func (d *Definition) StartNodeID() (string, bool) {
	for _, n := range d.Nodes {
		if s, ok := n.(StartNode); ok {
			return s.NodeID, true
		}
	}
	return "", false
}

// FirstEndNode returns the first [EndNode] in declaration order. The lookup
// scans the whole graph by type, not by edge reachability: a call-ending
// phrase inside a RagAnswer sub-conversation may jump to an End node that no
// edge from the current position reaches.
func (d *Definition) FirstEndNode() (EndNode, bool) {
	for _, n := range d.Nodes {
		if e, ok := n.(EndNode); ok {
			return e, true
		}
	}
	return EndNode{}, false
}

// Message is one turn of conversation history.
type Message struct {
	// Role is "user" or "assistant".
	Role    string
	Content string
}

// LeadData holds contact details collected during a call. ConsentGranted is
// only set by the call driver after explicit upstream confirmation; an
// affirmative utterance alone never satisfies a consent gate.
type LeadData struct {
	Name           string
	Email          string
	Phone          string
	ConsentGranted bool
}

// Context is the complete per-call state the interpreter operates on. It is
// owned by the call driver and mutated only between steps; the interpreter
// itself keeps no per-call state.
type Context struct {
	Definition    *Definition
	CurrentNodeID string
	History       []Message
	Lead          *LeadData
}
