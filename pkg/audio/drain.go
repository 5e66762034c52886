package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is not needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
