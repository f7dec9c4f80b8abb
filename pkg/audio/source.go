// Package audio defines the frame-source and sink contracts at the boundary
// between the routing core and the host's capture/playback machinery.
//
// The two primary abstractions are:
//
//   - [FrameSource] — an iterable of PCM frames with EOF and cancellation.
//   - [Sink] — an ordered consumer of synthesized [types.AudioSegment] values.
//
// Capture and playback themselves live outside the core; the host hands the
// pipeline a FrameSource and a Sink at startup and owns both handles for the
// process lifetime. Cross-goroutine handoff of either handle is not supported.
//
// This package lives under pkg/ because host integrations are expected to
// implement [FrameSource] and [Sink].
package audio

import (
	"context"
	"errors"

	"github.com/atlas-voice/atlas/pkg/types"
)

// ErrSourceClosed is returned by [FrameSource.Next] after the capture stream
// has delivered its last frame.
var ErrSourceClosed = errors.New("audio: frame source closed")

// FrameSource produces fixed-size PCM frames in monotonic timestamp order.
//
// Implementations are owned by a single reader goroutine; Next must not be
// called concurrently.
type FrameSource interface {
	// Next blocks until the next frame is available, the stream ends, or ctx
	// is cancelled. On clean EOF it returns [ErrSourceClosed]; on cancellation
	// it returns ctx.Err().
	Next(ctx context.Context) (types.Frame, error)

	// Close releases the capture handle. Safe to call more than once.
	Close() error
}

// ChannelSource adapts a frame channel to the [FrameSource] interface.
// The producer closes the channel to signal EOF. Useful for tests and for
// hosts that already deliver audio on a channel.
type ChannelSource struct {
	ch     <-chan types.Frame
	cancel context.CancelFunc
}

// NewChannelSource wraps ch as a FrameSource. cancel, if non-nil, is invoked
// on Close so the producer can stop capturing.
func NewChannelSource(ch <-chan types.Frame, cancel context.CancelFunc) *ChannelSource {
	return &ChannelSource{ch: ch, cancel: cancel}
}

// Next implements [FrameSource].
func (s *ChannelSource) Next(ctx context.Context) (types.Frame, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return types.Frame{}, ErrSourceClosed
		}
		return f, nil
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Close implements [FrameSource].
func (s *ChannelSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
