package audio

import (
	"context"
	"sync"

	"github.com/atlas-voice/atlas/pkg/types"
)

// Sink consumes synthesized audio segments in seq order. The pipeline calls
// Play from a single goroutine; implementations need not be concurrency-safe
// beyond that.
type Sink interface {
	// Play delivers one segment to the playback side. Play may block to apply
	// backpressure; it must honour ctx cancellation.
	Play(ctx context.Context, seg types.AudioSegment) error

	// Flush discards any audio the sink has buffered but not yet played.
	// Called on barge-in so leftover reply audio is dropped, not queued.
	Flush()
}

// ChannelSink forwards segments to a channel owned by the host player.
// Flush drains whatever is still queued.
type ChannelSink struct {
	ch chan types.AudioSegment
}

// NewChannelSink creates a sink with the given buffer depth.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan types.AudioSegment, buffer)}
}

// Segments exposes the playback side of the sink.
func (s *ChannelSink) Segments() <-chan types.AudioSegment { return s.ch }

// Play implements [Sink].
func (s *ChannelSink) Play(ctx context.Context, seg types.AudioSegment) error {
	select {
	case s.ch <- seg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush implements [Sink].
func (s *ChannelSink) Flush() {
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}

// CollectSink records every segment it receives. Intended for tests.
type CollectSink struct {
	mu       sync.Mutex
	segments []types.AudioSegment
	flushes  int
}

// Play implements [Sink].
func (s *CollectSink) Play(_ context.Context, seg types.AudioSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
	return nil
}

// Flush implements [Sink].
func (s *CollectSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

// Segments returns a copy of everything played so far.
func (s *CollectSink) Segments() []types.AudioSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AudioSegment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Flushes returns how many times Flush was called.
func (s *CollectSink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}
