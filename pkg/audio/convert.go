package audio

// PCM conversion helpers shared by the transcriber and synthesizer adapters.
// All functions operate on little-endian signed 16-bit mono samples.

// BytesToPCM reinterprets little-endian byte pairs as int16 samples. An odd
// trailing byte is dropped.
func BytesToPCM(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// PCMToBytes serialises int16 samples as little-endian byte pairs.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// PCMToFloat32 scales int16 samples into [-1, 1] float32, the input format
// whisper.cpp expects.
func PCMToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// ResampleMono16 performs nearest-sample resampling of mono PCM from fromRate
// to toRate. Adequate for speech; returns the input unchanged when the rates
// match.
func ResampleMono16(pcm []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(pcm) == 0 {
		return pcm
	}
	outLen := int(int64(len(pcm)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	for i := range out {
		src := int(int64(i) * int64(fromRate) / int64(toRate))
		if src >= len(pcm) {
			src = len(pcm) - 1
		}
		out[i] = pcm[src]
	}
	return out
}

// Silence returns n zero samples. Used for head/tail padding before
// transcription.
func Silence(n int) []int16 {
	return make([]int16, n)
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is not needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
