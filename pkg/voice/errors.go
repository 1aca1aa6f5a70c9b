package voice

import (
	"errors"
	"fmt"
)

// ErrChannelNotReady is returned by [Session.SendMessage] when the control
// channel is not open. It does not affect connection state.
var ErrChannelNotReady = errors.New("voice: control channel not ready")

// Init stages, used to tag a [ConnectionError] with the step that failed.
const (
	StageCredential = "credential"
	StageCapture    = "capture"
	StageChannel    = "channel"
	StageNegotiate  = "negotiate"
)

// ConnectionError is a fatal session-establishment failure. The session is
// unusable afterwards and must be discarded; there is no internal retry.
type ConnectionError struct {
	// Stage is the init step that failed: one of the Stage* constants.
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("voice: connect (%s): %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
