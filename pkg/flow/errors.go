package flow

import "fmt"

// GraphIntegrityError reports a structural problem hit while walking a flow
// graph: the current node id is missing from the definition, or the node's
// type is not understood by this build. The interpreter never returns it —
// integrity problems degrade to a graceful call termination — but it is
// logged and available to tests and metrics.
type GraphIntegrityError struct {
	NodeID string
	Reason string
}

func (e *GraphIntegrityError) Error() string {
	return fmt.Sprintf("flow: graph integrity: node %q: %s", e.NodeID, e.Reason)
}

// ConversationServiceError wraps a retrieval or reply-generation failure
// inside a RagAnswer step. It is absorbed locally: the interpreter logs it
// and speaks a fallback line instead of propagating.
type ConversationServiceError struct {
	Service string // "retrieval" or "generation"
	Err     error
}

func (e *ConversationServiceError) Error() string {
	return fmt.Sprintf("flow: %s service: %v", e.Service, e.Err)
}

func (e *ConversationServiceError) Unwrap() error { return e.Err }
