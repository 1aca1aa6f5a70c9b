package voice

import (
	"encoding/json"
	"fmt"
)

// Inbound protocol event types.
const (
	evtSessionCreated          = "session.created"
	evtAudioDelta              = "response.audio.delta"
	evtTranscriptDelta         = "response.audio_transcript.delta"
	evtTranscriptDone          = "response.audio_transcript.done"
	evtSpeechStarted           = "input_audio_buffer.speech_started"
	evtSpeechStopped           = "input_audio_buffer.speech_stopped"
	evtInputTranscriptComplete = "conversation.item.input_audio_transcription.completed"
	evtResponseDone            = "response.done"
	evtError                   = "error"
)

// serverEvent is the decoded shape of one inbound control-channel message.
// Fields are populated depending on Type; unknown types decode fine and are
// ignored by the dispatcher.
type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta (base64 audio) / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// parseEvent decodes one inbound message. A malformed payload yields an
// error the dispatcher logs and drops; it never escapes the dispatch path.
func parseEvent(data []byte) (*serverEvent, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("voice: parse event: %w", err)
	}
	return &evt, nil
}

// ── Outbound messages ──────────────────────────────────────────────────────────

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// newUserMessage builds the conversation.item.create payload for a typed
// user utterance.
func newUserMessage(text string) createConversationItemMessage {
	return createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	}
}

// newResponseCreate builds the response.create payload requesting a model
// reply. Sent immediately after the user message on the same ordered
// channel.
func newResponseCreate() map[string]string {
	return map[string]string{"type": "response.create"}
}

// marshalJSON wraps encoding with a package-prefixed error.
func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("voice: marshal: %w", err)
	}
	return data, nil
}
