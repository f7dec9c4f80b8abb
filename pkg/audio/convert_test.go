package audio

import (
	"testing"
)

func TestBytesToPCM_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768, 12345}
	got := BytesToPCM(PCMToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
}

func TestBytesToPCM_OddTrailingByte(t *testing.T) {
	t.Parallel()

	got := BytesToPCM([]byte{0x01, 0x02, 0x03})
	if len(got) != 1 {
		t.Fatalf("length = %d, want 1", len(got))
	}
}

func TestPCMToFloat32_Range(t *testing.T) {
	t.Parallel()

	out := PCMToFloat32([]int16{-32768, 0, 32767})
	if out[0] != -1.0 {
		t.Errorf("min sample = %f, want -1.0", out[0])
	}
	if out[1] != 0 {
		t.Errorf("zero sample = %f, want 0", out[1])
	}
	if out[2] >= 1.0 || out[2] < 0.999 {
		t.Errorf("max sample = %f, want just below 1.0", out[2])
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       int
		from, to int
		wantLen  int
	}{
		{"downsample 48k to 16k", 480, 48000, 16000, 160},
		{"upsample 16k to 48k", 160, 16000, 48000, 480},
		{"same rate", 320, 16000, 16000, 320},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ResampleMono16(make([]int16, tc.in), tc.from, tc.to)
			if len(got) != tc.wantLen {
				t.Errorf("length = %d, want %d", len(got), tc.wantLen)
			}
		})
	}
}
