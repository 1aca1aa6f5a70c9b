// Package audio provides the playback side of a voice call: decoded PCM
// chunks, a strictly ordered [PlaybackQueue], a [CuePlayer] for ring and
// hold cues, codec decoders, and format conversion helpers.
//
// The package is device-agnostic. Output hardware is reached through a
// [Sink] callback and input hardware through the [CaptureOpener] and
// [CaptureDevice] interfaces, so the call pipeline can be tested headlessly
// and platform adapters can be swapped without touching the pipeline.
package audio

import "context"

// Chunk is a buffer of decoded little-endian int16 PCM audio. Sequence is
// implicit: chunks are played in the order they are enqueued.
type Chunk struct {
	Data       []byte
	SampleRate int
	// Channels: 1 for mono, 2 for stereo interleaved.
	Channels int
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Sink writes one chunk to the output device, blocking for roughly the
// chunk's playback duration. Implementations should return early when cancel
// closes; the chunk currently playing is being interrupted.
type Sink func(chunk Chunk, cancel <-chan struct{}) error

// CaptureDevice is an open microphone stream. The Chunks channel closes when
// the device is closed.
type CaptureDevice interface {
	// Chunks delivers captured audio in arrival order.
	Chunks() <-chan Chunk

	// Close releases the device. Safe to call more than once.
	Close() error
}

// CaptureOpener acquires a microphone capture stream. Implementations wrap
// platform audio APIs; tests use a mock.
type CaptureOpener interface {
	Open(ctx context.Context) (CaptureDevice, error)
}
