package audio

import (
	"log/slog"
	"sync"
)

// PlaybackQueue plays decoded chunks through a [Sink] in strict FIFO order.
// A single playback goroutine consumes the queue, so two chunks never
// overlap and output order always equals enqueue order — the inbound audio
// deltas of a realtime session are an ordered stream of sequential speech.
//
// Safe for concurrent use.
type PlaybackQueue struct {
	sink Sink

	mu            sync.Mutex
	pending       []Chunk
	cancelPlaying chan struct{} // non-nil while a chunk is playing
	closed        bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewPlaybackQueue creates a queue and starts its playback goroutine.
func NewPlaybackQueue(sink Sink) *PlaybackQueue {
	q := &PlaybackQueue{
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue appends a chunk for playback. Non-blocking: the dispatch path of a
// session must never wait on playback. Chunks enqueued after Close are
// dropped.
func (q *PlaybackQueue) Enqueue(chunk Chunk) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, chunk)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Clear drops every pending chunk and interrupts the chunk currently
// playing. A chunk enqueued afterwards starts a fresh, empty ordering.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.interruptLocked()
	q.mu.Unlock()
}

// Depth returns the number of chunks waiting to be played.
func (q *PlaybackQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close interrupts playback, drops pending chunks, and stops the playback
// goroutine. Idempotent.
func (q *PlaybackQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.pending = nil
		q.interruptLocked()
		q.mu.Unlock()

		close(q.done)
		q.wg.Wait()
	})
}

// interruptLocked signals the sink to abandon the current chunk.
// Caller holds q.mu.
func (q *PlaybackQueue) interruptLocked() {
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
}

// run is the single playback goroutine.
func (q *PlaybackQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			q.mu.Lock()
			if q.closed || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			chunk := q.pending[0]
			q.pending = q.pending[1:]
			cancel := make(chan struct{})
			q.cancelPlaying = cancel
			q.mu.Unlock()

			if err := q.sink(chunk, cancel); err != nil {
				slog.Warn("audio: playback sink failed, dropping chunk", "error", err)
			}

			q.mu.Lock()
			if q.cancelPlaying != nil {
				// Not interrupted: retire the cancel channel ourselves.
				q.cancelPlaying = nil
			}
			q.mu.Unlock()
		}
	}
}
