package audio

import (
	"math/rand"
	"testing"
)

// mulawStep returns the quantization step size of the μ-law segment that
// encodes a sample of the given magnitude.
func mulawStep(sample int16) int32 {
	mag := int32(sample)
	if mag < 0 {
		mag = -mag
	}
	if mag > 32635 {
		mag = 32635
	}
	mag += 0x84
	seg := 0
	for v := mag >> 7; v > 1 && seg < 7; v >>= 1 {
		seg++
	}
	return 1 << (uint(seg) + 3)
}

func TestMulawRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10_000; i++ {
		s := int16(rng.Intn(1 << 16))

		in := []byte{byte(s), byte(uint16(s) >> 8)}
		encoded := Linear16ToMulaw(in)
		if len(encoded) != 1 {
			t.Fatalf("expected 1 μ-law byte, got %d", len(encoded))
		}
		decoded := MulawToLinear16(encoded)
		if len(decoded) != 2 {
			t.Fatalf("expected 2 PCM bytes, got %d", len(decoded))
		}
		got := int16(decoded[0]) | int16(decoded[1])<<8

		diff := int32(s) - int32(got)
		if diff < 0 {
			diff = -diff
		}
		if step := mulawStep(s); diff > step {
			t.Fatalf("sample %d: round trip %d off by %d (> step %d)", s, got, diff, step)
		}

		// Re-encoding the decoded value must be stable.
		again := Linear16ToMulaw(decoded)
		if again[0] != encoded[0] {
			t.Fatalf("sample %d: re-encode %#x != %#x", s, again[0], encoded[0])
		}
	}
}

func TestMulawEdgeInputs(t *testing.T) {
	if got := MulawToLinear16(nil); got != nil {
		t.Errorf("decode nil: got %v", got)
	}
	if got := Linear16ToMulaw(nil); got != nil {
		t.Errorf("encode nil: got %v", got)
	}
	// Odd byte counts drop the trailing byte instead of erroring.
	if got := Linear16ToMulaw([]byte{0x12, 0x34, 0x56}); len(got) != 1 {
		t.Errorf("encode odd length: got %d bytes, want 1", len(got))
	}
}

func TestResampleLinear16(t *testing.T) {
	t.Run("identity when rates match", func(t *testing.T) {
		pcm := []byte{1, 2, 3, 4}
		if got := ResampleLinear16(pcm, 8000, 8000); &got[0] != &pcm[0] {
			t.Error("expected input returned unchanged")
		}
	})

	t.Run("downsample length", func(t *testing.T) {
		// 22050 Hz → 8000 Hz: 441 samples become 160.
		pcm := make([]byte, 441*2)
		got := ResampleLinear16(pcm, 22050, 8000)
		if len(got) != 160*2 {
			t.Errorf("got %d bytes, want %d", len(got), 160*2)
		}
	})

	t.Run("constant signal preserved", func(t *testing.T) {
		pcm := make([]byte, 200)
		for i := 0; i < len(pcm); i += 2 {
			pcm[i] = 0x34
			pcm[i+1] = 0x12
		}
		got := ResampleLinear16(pcm, 16000, 8000)
		for i := 0; i < len(got); i += 2 {
			if got[i] != 0x34 || got[i+1] != 0x12 {
				t.Fatalf("sample %d corrupted: %x %x", i/2, got[i], got[i+1])
			}
		}
	})

	t.Run("empty and degenerate inputs", func(t *testing.T) {
		if got := ResampleLinear16(nil, 22050, 8000); got != nil {
			t.Errorf("nil input: got %v", got)
		}
		if got := ResampleLinear16([]byte{1}, 22050, 8000); got != nil {
			t.Errorf("single byte: got %v", got)
		}
	})
}
