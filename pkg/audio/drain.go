package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data on a streaming channel
// is no longer needed (e.g., a [CaptureDevice] stream during teardown).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
