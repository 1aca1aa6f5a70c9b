package voice

// Event is a notification from a [Session], delivered in order on the
// session's event channel. The set of variants is closed; consumers switch
// on the concrete type. Events replace UI callbacks so the session can be
// driven and tested headlessly.
type Event interface {
	isEvent()
}

// Connected is emitted once when negotiation completes and the session
// reaches the open state.
type Connected struct{}

// Disconnected is emitted once when the session tears down. Err is nil on a
// caller-requested disconnect and non-nil when the control channel dropped.
type Disconnected struct {
	Err error
}

// AssistantTranscript carries the agent's speech transcript. Delta events
// stream fragments as the agent speaks; the final event carries the full
// utterance.
type AssistantTranscript struct {
	Text  string
	Final bool
}

// UserTranscript carries a completed transcription of caller speech.
type UserTranscript struct {
	Text string
}

// SpeakingChanged reports transitions of the agent speaking flag: true when
// synthesized audio starts arriving, false when the caller starts speaking
// or the response finishes.
type SpeakingChanged struct {
	Speaking bool
}

// SessionError surfaces a connection failure or a remote error event.
// Connection-lifecycle failures are additionally returned from [Session.Init].
type SessionError struct {
	Err error
}

func (Connected) isEvent()           {}
func (Disconnected) isEvent()        {}
func (AssistantTranscript) isEvent() {}
func (UserTranscript) isEvent()      {}
func (SpeakingChanged) isEvent()     {}
func (SessionError) isEvent()        {}
