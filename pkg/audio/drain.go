package audio

// Drain discards values from ch until it is closed. A run that stops
// reading a [MonoStream] drains it so the converter goroutine can exit once
// the device handle closes its frames channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
