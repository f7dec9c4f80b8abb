package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/atlas-voice/atlas/pkg/types"
)

// StreamSource reads raw little-endian s16le mono PCM from an io.Reader and
// slices it into fixed-size frames with synthetic monotonic timestamps. It is
// the default capture integration for hosts that pipe audio in, e.g.
//
//	arecord -f S16_LE -r 16000 -c 1 | atlas
type StreamSource struct {
	r          io.Reader
	sampleRate int
	frameSize  int
	buf        []byte
	elapsed    time.Duration
}

// NewStreamSource wraps r as a FrameSource emitting frames of frameSize
// samples at sampleRate.
func NewStreamSource(r io.Reader, sampleRate, frameSize int) *StreamSource {
	return &StreamSource{
		r:          r,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		buf:        make([]byte, frameSize*2),
	}
}

// Next implements [FrameSource]. A short final read is padded with silence so
// the tail of the stream still reaches the detector.
func (s *StreamSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return types.Frame{}, ErrSourceClosed
	default:
		return types.Frame{}, err
	}

	frame := types.Frame{
		PCM:        BytesToPCM(s.buf),
		SampleRate: s.sampleRate,
		Timestamp:  s.elapsed,
	}
	s.elapsed += time.Duration(s.frameSize) * time.Second / time.Duration(s.sampleRate)
	return frame, nil
}

// Close implements [FrameSource]. The underlying reader is closed when it
// supports it.
func (s *StreamSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// StreamSink writes segment samples as raw s16le mono PCM to an io.Writer,
// e.g. a pipe into aplay. Flush is a no-op: written bytes are already with
// the player, and the player owns its own buffer.
type StreamSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStreamSink wraps w as a Sink.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

// Play implements [Sink].
func (s *StreamSink) Play(ctx context.Context, seg types.AudioSegment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(PCMToBytes(seg.Samples))
	return err
}

// Flush implements [Sink].
func (s *StreamSink) Flush() {}
