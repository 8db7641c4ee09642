package vad

import (
	"math"
	"testing"
	"time"
)

const rate = 16000

type span struct {
	ms  int
	amp float64
}

// signal builds a buffer of sine spans at the given amplitudes.
func signal(spans ...span) []float32 {
	var out []float32
	for _, sp := range spans {
		n := sp.ms * rate / 1000
		for i := 0; i < n; i++ {
			v := sp.amp * math.Sin(2*math.Pi*220*float64(i)/rate)
			out = append(out, float32(v))
		}
	}
	return out
}

func TestTrimAllSilenceReturnsEmpty(t *testing.T) {
	f := DefaultFilter()
	for _, amp := range []float64{0, 0.005, 0.0099} {
		// The mean absolute value of a sine is 2/pi of its peak, so these stay below threshold.
		out := f.Trim(signal(span{3000, amp}), rate)
		if len(out) != 0 {
			t.Fatalf("amplitude %v: expected empty output, got %d samples", amp, len(out))
		}
	}
}

func TestTrimEmptyInput(t *testing.T) {
	if out := DefaultFilter().Trim(nil, rate); len(out) != 0 {
		t.Fatalf("expected empty output, got %d", len(out))
	}
}

func TestTrimSingleRegionIsPadded(t *testing.T) {
	in := signal(span{1000, 0}, span{1000, 0.5}, span{2000, 0})
	out := DefaultFilter().Trim(in, rate)

	pad := rate * 4 / 10
	start := rate - pad
	end := 2*rate + pad
	if len(out) != end-start {
		t.Fatalf("expected %d samples, got %d", end-start, len(out))
	}
	for i := range out {
		if out[i] != in[start+i] {
			t.Fatalf("sample %d differs from input", i)
		}
	}
}

func TestTrimClampsToBufferBounds(t *testing.T) {
	in := signal(span{500, 0.5}, span{200, 0})
	segs := DefaultFilter().Segments(in, rate)
	if len(segs) != 1 {
		t.Fatalf("expected one segment, got %v", segs)
	}
	if segs[0].Start != 0 || segs[0].End != len(in) {
		t.Fatalf("expected [0,%d), got %+v", len(in), segs[0])
	}
}

func TestTrimSpeechGapSpeechScenario(t *testing.T) {
	in := signal(span{2000, 0.5}, span{3000, 0}, span{1000, 0.5})
	out := DefaultFilter().Trim(in, rate)

	want := 2*rate + 2*(rate*4/10) + rate
	if len(out) != want {
		t.Fatalf("expected %d samples (%.1fs), got %d (%.2fs)", want, float64(want)/rate, len(out), float64(len(out))/rate)
	}
	segs := DefaultFilter().Segments(in, rate)
	if len(segs) != 2 {
		t.Fatalf("expected two segments, got %v", segs)
	}
}

func TestTrimMergesGapsShorterThanTwicePadding(t *testing.T) {
	in := signal(span{1000, 0.5}, span{700, 0}, span{1000, 0.5}, span{2000, 0})
	segs := DefaultFilter().Segments(in, rate)
	if len(segs) != 1 {
		t.Fatalf("expected merged segment, got %v", segs)
	}
	wantEnd := rate + rate*7/10 + rate + rate*4/10
	if segs[0].Start != 0 || segs[0].End != wantEnd {
		t.Fatalf("expected [0,%d), got %+v", wantEnd, segs[0])
	}
	out := DefaultFilter().Trim(in, rate)
	if len(out) > len(in) {
		t.Fatalf("output longer than input: %d > %d", len(out), len(in))
	}
}

func TestTrimShortBufferIsSingleWindow(t *testing.T) {
	loud := signal(span{50, 0.5})
	if got := DefaultFilter().Trim(loud, rate); len(got) != len(loud) {
		t.Fatalf("expected short loud buffer kept whole, got %d of %d", len(got), len(loud))
	}
	quiet := signal(span{50, 0.001})
	if got := DefaultFilter().Trim(quiet, rate); len(got) != 0 {
		t.Fatalf("expected short quiet buffer dropped, got %d", len(got))
	}
}

func TestCustomPadding(t *testing.T) {
	f := Filter{Threshold: 0.01, Window: 100 * time.Millisecond, Padding: 0}
	in := signal(span{1000, 0}, span{1000, 0.5}, span{1000, 0})
	segs := f.Segments(in, rate)
	if len(segs) != 1 || segs[0].Start != rate || segs[0].End != 2*rate {
		t.Fatalf("unexpected segments %v", segs)
	}
}
