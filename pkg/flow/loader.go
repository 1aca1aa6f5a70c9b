package flow

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Node type tags as they appear in flow definition files.
const (
	typeStart     = "start"
	typeLeadGate  = "lead_gate"
	typeRagAnswer = "rag_answer"
	typeEnd       = "end"
)

// rawDefinition is the on-disk YAML shape of a flow definition.
type rawDefinition struct {
	Nodes []rawNode `yaml:"nodes"`
	Edges []rawEdge `yaml:"edges"`
}

// rawNode is the union of all node-type fields. The Type tag selects which
// fields are meaningful; the rest stay at their zero value.
type rawNode struct {
	ID                 string   `yaml:"id"`
	Type               string   `yaml:"type"`
	Greeting           string   `yaml:"greeting,omitempty"`
	ConsentRequired    bool     `yaml:"consent_required,omitempty"`
	ConsentPrompt      string   `yaml:"consent_prompt,omitempty"`
	SystemPrompt       string   `yaml:"system_prompt,omitempty"`
	Tone               string   `yaml:"tone,omitempty"`
	KnowledgeSourceIDs []string `yaml:"knowledge_source_ids,omitempty"`
	ClosingMessage     string   `yaml:"closing_message,omitempty"`
}

type rawEdge struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Load reads and validates a flow definition from the given YAML file.
func Load(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flow: open definition: %w", err)
	}
	defer f.Close()

	def, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("flow: load %s: %w", path, err)
	}
	return def, nil
}

// LoadFromReader decodes and validates a YAML flow definition. Unknown YAML
// fields are rejected so typos in definition files surface immediately;
// unknown node *types* are preserved as [UnknownNode] so a newer definition
// still loads and the interpreter can fail soft at runtime.
func LoadFromReader(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var raw rawDefinition
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("flow: decode definition: %w", err)
	}

	def := &Definition{}
	for _, rn := range raw.Nodes {
		def.Nodes = append(def.Nodes, buildNode(rn))
	}
	for _, re := range raw.Edges {
		def.Edges = append(def.Edges, Edge(re))
	}

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// buildNode maps a decoded rawNode onto its typed variant.
func buildNode(rn rawNode) Node {
	switch rn.Type {
	case typeStart:
		return StartNode{NodeID: rn.ID, Greeting: rn.Greeting}
	case typeLeadGate:
		return LeadGateNode{
			NodeID:          rn.ID,
			ConsentRequired: rn.ConsentRequired,
			ConsentPrompt:   rn.ConsentPrompt,
		}
	case typeRagAnswer:
		return RagAnswerNode{
			NodeID:             rn.ID,
			SystemPrompt:       rn.SystemPrompt,
			Tone:               rn.Tone,
			KnowledgeSourceIDs: rn.KnowledgeSourceIDs,
		}
	case typeEnd:
		return EndNode{NodeID: rn.ID, ClosingMessage: rn.ClosingMessage}
	default:
		return UnknownNode{NodeID: rn.ID, Type: rn.Type}
	}
}

// Validate checks structural integrity of a definition: every node has a
// unique non-empty id, every edge references existing nodes, and the graph
// has a start node. All problems are reported together.
func Validate(def *Definition) error {
	var errs []error

	ids := make(map[string]struct{}, len(def.Nodes))
	for i, n := range def.Nodes {
		id := n.ID()
		if id == "" {
			errs = append(errs, fmt.Errorf("flow: node %d has an empty id", i))
			continue
		}
		if _, dup := ids[id]; dup {
			errs = append(errs, fmt.Errorf("flow: duplicate node id %q", id))
		}
		ids[id] = struct{}{}
	}

	for _, e := range def.Edges {
		if _, ok := ids[e.Source]; !ok {
			errs = append(errs, fmt.Errorf("flow: edge source %q references no node", e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			errs = append(errs, fmt.Errorf("flow: edge target %q references no node", e.Target))
		}
	}

	if _, ok := def.StartNodeID(); !ok {
		errs = append(errs, errors.New("flow: definition has no start node"))
	}

	return errors.Join(errs...)
}
