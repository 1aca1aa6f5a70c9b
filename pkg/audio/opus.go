package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Decoder turns one inbound audio frame from the control channel into a
// playable [Chunk]. A session creates its decoder when the connection opens
// and releases it on teardown.
type Decoder interface {
	Decode(frame []byte) (Chunk, error)
}

// Realtime speech endpoints stream 24 kHz mono PCM16 by default.
const (
	PCMSampleRate = 24000
	PCMChannels   = 1
)

// PCM16Decoder is a pass-through [Decoder] for frames that already carry
// little-endian int16 PCM.
type PCM16Decoder struct {
	SampleRate int
	Channels   int
}

// Compile-time interface assertions.
var (
	_ Decoder = (*PCM16Decoder)(nil)
	_ Decoder = (*OpusDecoder)(nil)
)

// NewPCM16Decoder returns a PCM16Decoder with the default realtime format.
func NewPCM16Decoder() *PCM16Decoder {
	return &PCM16Decoder{SampleRate: PCMSampleRate, Channels: PCMChannels}
}

// Decode implements Decoder.
func (d *PCM16Decoder) Decode(frame []byte) (Chunk, error) {
	if len(frame)%2 != 0 {
		return Chunk{}, fmt.Errorf("audio: pcm16 frame has odd byte count %d", len(frame))
	}
	return Chunk{Data: frame, SampleRate: d.SampleRate, Channels: d.Channels}, nil
}

// Opus decode parameters: 48 kHz at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder decodes Opus packets into PCM chunks. Each stream needs its
// own decoder so codec state carries correctly across consecutive frames.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates an Opus decoder for the given channel count.
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode implements Decoder.
func (d *OpusDecoder) Decode(frame []byte) (Chunk, error) {
	pcm, err := d.dec.Decode(frame, opusFrameSize, false)
	if err != nil {
		return Chunk{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Chunk{
		Data:       Int16sToBytes(pcm),
		SampleRate: opusSampleRate,
		Channels:   d.channels,
	}, nil
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
