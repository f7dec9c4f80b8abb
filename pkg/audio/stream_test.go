package audio

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-voice/atlas/pkg/types"
)

func TestStreamSource_FramesAndTimestamps(t *testing.T) {
	t.Parallel()

	// Two full 4-sample frames plus a 2-sample tail.
	samples := []int16{100, -100, 200, -200, 300, -300, 400, -400, 500, -500}
	src := NewStreamSource(bytes.NewReader(PCMToBytes(samples)), 16000, 4)

	ctx := context.Background()

	f1, err := src.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f1.Timestamp != 0 || len(f1.PCM) != 4 || f1.PCM[0] != 100 {
		t.Errorf("frame 1 = %+v", f1)
	}

	f2, err := src.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := 4 * time.Second / 16000
	if f2.Timestamp != want {
		t.Errorf("frame 2 timestamp = %v, want %v", f2.Timestamp, want)
	}

	f3, err := src.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f3.PCM[0] != 500 || f3.PCM[2] != 0 || f3.PCM[3] != 0 {
		t.Errorf("short tail not zero-padded: %+v", f3.PCM)
	}

	if _, err := src.Next(ctx); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("err = %v, want ErrSourceClosed", err)
	}
}

func TestStreamSink_WritesRawPCM(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewStreamSink(&buf)

	seg := types.AudioSegment{Samples: []int16{1000, -1000}}
	if err := sink.Play(context.Background(), seg); err != nil {
		t.Fatal(err)
	}
	got := BytesToPCM(buf.Bytes())
	if len(got) != 2 || got[0] != 1000 || got[1] != -1000 {
		t.Errorf("written samples = %v", got)
	}
}
