package audio

import "testing"

func TestNewOpusDecoderChannels(t *testing.T) {
	for _, channels := range []int{1, 2} {
		d, err := NewOpusDecoder(channels)
		if err != nil {
			t.Fatalf("NewOpusDecoder(%d): %v", channels, err)
		}
		if d == nil {
			t.Fatalf("NewOpusDecoder(%d) returned nil decoder", channels)
		}
	}
}

func TestNewOpusDecoderRejectsBadChannelCount(t *testing.T) {
	if _, err := NewOpusDecoder(0); err == nil {
		t.Error("NewOpusDecoder(0): expected error")
	}
	if _, err := NewOpusDecoder(3); err == nil {
		t.Error("NewOpusDecoder(3): expected error")
	}
}

func TestInt16ByteRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 256}
	got := BytesToInt16s(Int16sToBytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("round trip length = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}
