// Package vad trims silence from recorded audio using mean-amplitude
// thresholding over fixed analysis windows.
package vad

import "time"

const (
	DefaultThreshold = 0.01
	DefaultWindow    = 100 * time.Millisecond
	DefaultPadding   = 400 * time.Millisecond
)

// Filter classifies fixed windows as speech when their mean absolute
// amplitude exceeds Threshold, and keeps speech padded by Padding on both sides.
type Filter struct {
	Threshold float64
	Window    time.Duration
	Padding   time.Duration
}

// Segment is a half-open sample range [Start, End).
type Segment struct {
	Start int
	End   int
}

func (s Segment) Len() int { return s.End - s.Start }

func DefaultFilter() Filter {
	return Filter{Threshold: DefaultThreshold, Window: DefaultWindow, Padding: DefaultPadding}
}

// Segments returns the speech regions of samples in order. Regions whose
// padding would overlap are merged.
func (f Filter) Segments(samples []float32, sampleRate int) []Segment {
	n := len(samples)
	if n == 0 || sampleRate <= 0 {
		return nil
	}
	window := samplesFor(f.Window, sampleRate)
	if window < 1 {
		window = 1
	}
	padding := samplesFor(f.Padding, sampleRate)

	var segments []Segment
	inSpeech := false
	lastSpeechEnd := -1

	for i := 0; i < n; i += window {
		end := min(i+window, n)
		var sum float64
		for _, s := range samples[i:end] {
			if s < 0 {
				sum -= float64(s)
			} else {
				sum += float64(s)
			}
		}
		avg := sum / float64(end-i)

		switch {
		case avg > f.Threshold:
			if !inSpeech {
				start := max(0, i-padding)
				if last := len(segments) - 1; last >= 0 && start <= segments[last].End {
					// Reopen the previous region instead of duplicating samples.
					segments[last].End = 0
				} else {
					segments = append(segments, Segment{Start: start})
				}
				inSpeech = true
			}
			lastSpeechEnd = end
		case inSpeech && i-lastSpeechEnd > padding:
			segments[len(segments)-1].End = min(n, lastSpeechEnd+padding)
			inSpeech = false
		}
	}
	if inSpeech {
		segments[len(segments)-1].End = n
	}
	return segments
}

// Trim concatenates the speech regions of samples into a new buffer. An
// empty result means no speech was detected.
func (f Filter) Trim(samples []float32, sampleRate int) []float32 {
	segments := f.Segments(samples, sampleRate)
	total := 0
	for _, seg := range segments {
		total += seg.Len()
	}
	out := make([]float32, 0, total)
	for _, seg := range segments {
		out = append(out, samples[seg.Start:seg.End]...)
	}
	return out
}

func samplesFor(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
