// Package mock provides test doubles for the audio capture interfaces.
//
// Use [Opener] in session tests to stand in for a real microphone: tests
// write chunks into the device and verify that teardown releases it exactly
// once.
package mock

import (
	"context"
	"sync"

	"github.com/voxflow/voxflow/pkg/audio"
)

// Device is a mock [audio.CaptureDevice]. Feed chunks with [Device.Push];
// inspect CloseCount after teardown.
type Device struct {
	mu         sync.Mutex
	chunks     chan audio.Chunk
	closed     bool
	CloseCount int
}

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*Device)(nil)
	_ audio.CaptureOpener = (*Opener)(nil)
)

// NewDevice returns a Device with a buffered chunk stream.
func NewDevice() *Device {
	return &Device{chunks: make(chan audio.Chunk, 16)}
}

// Push feeds a captured chunk to consumers. No-op after Close.
func (d *Device) Push(c audio.Chunk) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.chunks <- c
}

// Chunks implements audio.CaptureDevice.
func (d *Device) Chunks() <-chan audio.Chunk {
	return d.chunks
}

// Close implements audio.CaptureDevice. Safe to call more than once; every
// call is counted so tests can assert exactly-once release semantics.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCount++
	if !d.closed {
		d.closed = true
		close(d.chunks)
	}
	return nil
}

// Opener is a mock [audio.CaptureOpener].
type Opener struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from Open instead of a device.
	Err error

	// Devices records every device handed out, in order.
	Devices []*Device

	// OpenCount is the number of Open invocations.
	OpenCount int
}

// Open implements audio.CaptureOpener.
func (o *Opener) Open(_ context.Context) (audio.CaptureDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCount++
	if o.Err != nil {
		return nil, o.Err
	}
	d := NewDevice()
	o.Devices = append(o.Devices, d)
	return d, nil
}
