package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CuePlayer plays short looping audio cues — ringback while a session is
// negotiating, hold music while the caller waits — through its own [Sink],
// fully independent of the session playback pipeline.
//
// Each call session owns its own CuePlayer handle, acquired on session start
// and released on teardown; cues on one call can never bleed into another.
// At most one hold loop is active per player: starting a new one stops the
// prior loop first.
type CuePlayer struct {
	sink Sink

	mu       sync.Mutex
	holdStop chan struct{}
	holdDone chan struct{}
	closed   bool
}

// NewCuePlayer creates a CuePlayer writing through sink.
func NewCuePlayer(sink Sink) *CuePlayer {
	return &CuePlayer{sink: sink}
}

// PlayRing loops the ring cue for at least min, returning at the deadline,
// on context cancellation, or on the first sink error — whichever comes
// first. The deadline also interrupts a sink write in progress, so PlayRing
// never hangs on a stuck device.
func (p *CuePlayer) PlayRing(ctx context.Context, cue Chunk, min time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("audio: cue player closed")
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, min)
	defer cancel()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	for {
		select {
		case <-stop:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// Minimum ring duration reached.
				return nil
			}
			return ctx.Err()
		default:
		}

		if err := p.sink(cue, stop); err != nil {
			return fmt.Errorf("audio: ring cue playback: %w", err)
		}
	}
}

// StartHold begins looping the hold cue in the background, stopping any
// prior hold loop on this player first.
func (p *CuePlayer) StartHold(cue Chunk) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	prevStop, prevDone := p.holdStop, p.holdDone

	stop := make(chan struct{})
	done := make(chan struct{})
	p.holdStop = stop
	p.holdDone = done
	p.mu.Unlock()

	if prevStop != nil {
		close(prevStop)
		<-prevDone
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := p.sink(cue, stop); err != nil {
				return
			}
		}
	}()
}

// StopHold stops the active hold loop, if any, and waits for it to finish.
// Idempotent.
func (p *CuePlayer) StopHold() {
	p.mu.Lock()
	stop, done := p.holdStop, p.holdDone
	p.holdStop = nil
	p.holdDone = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Close stops any active cue and rejects further playback. Idempotent.
func (p *CuePlayer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stop, done := p.holdStop, p.holdDone
	p.holdStop = nil
	p.holdDone = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
