package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Container accumulates captured PCM chunks in a temporary WAV file.
type Container struct {
	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	format  Format
	samples int
	closed  bool
}

// NewContainer creates a WAV temp file in dir (os.TempDir when empty).
func NewContainer(dir string, format Format) (*Container, error) {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	file, err := os.CreateTemp(dir, "scribe_*.wav")
	if err != nil {
		return nil, fmt.Errorf("create wav container: %w", err)
	}
	return &Container{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1),
		format: format,
	}, nil
}

// Append writes one interleaved PCM chunk.
func (c *Container) Append(pcm []int16) error {
	if len(pcm) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("wav container finalized")
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.format.Channels, SampleRate: c.format.SampleRate},
		Data:           make([]int, len(pcm)),
		SourceBitDepth: 16,
	}
	for i, s := range pcm {
		buf.Data[i] = int(s)
	}
	if err := c.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav chunk: %w", err)
	}
	c.samples += len(pcm) / c.format.Channels
	return nil
}

// Samples reports the number of frames written so far.
func (c *Container) Samples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}

func (c *Container) Format() Format { return c.format }

func (c *Container) Path() string { return c.file.Name() }

// Finalize writes the WAV header and closes the file. It is idempotent.
func (c *Container) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	encErr := c.enc.Close()
	fileErr := c.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	return fileErr
}

// Remove finalizes the container and deletes the temp file.
func (c *Container) Remove() error {
	_ = c.Finalize()
	if err := os.Remove(c.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Decode reads a finalized container as mono float samples at targetRate.
func (c *Container) Decode(targetRate int) ([]float32, error) {
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return DecodeFile(c.Path(), targetRate)
}

// DecodeFile reads a WAV file, downmixes it to mono and resamples it to targetRate.
func DecodeFile(path string, targetRate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("decode wav %s: invalid file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))

	frames := len(buf.Data) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return Resample(mono, buf.Format.SampleRate, targetRate), nil
}

// Resample converts mono samples between rates using linear interpolation.
func Resample(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j] + (in[j+1]-in[j])*frac
	}
	return out
}

// WriteWAV encodes mono float samples in [-1, 1] as 16-bit PCM.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		v := max(-1, min(1, float64(s)))
		buf.Data[i] = int(math.Round(v * math.MaxInt16))
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
