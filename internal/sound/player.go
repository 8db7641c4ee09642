package sound

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Output plays rendered mono samples. Play blocks until playback ends.
type Output interface {
	Play(ctx context.Context, samples []float32, sampleRate int) error
}

// NopOutput discards audio.
type NopOutput struct{}

func (NopOutput) Play(context.Context, []float32, int) error { return nil }

// Player renders and plays tones on a single background worker so callers
// never block. Requests arriving while the queue is full are dropped.
type Player struct {
	out        Output
	sampleRate int
	log        *slog.Logger
	queue      chan protocol.SoundType
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.Mutex
	cache map[protocol.SoundType][]float32
}

func NewPlayer(parent context.Context, out Output, sampleRate int, log *slog.Logger) *Player {
	if out == nil {
		out = NopOutput{}
	}
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Player{
		out:        out,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "sound")),
		queue:      make(chan protocol.SoundType, 8),
		ctx:        ctx,
		cancel:     cancel,
		cache:      make(map[protocol.SoundType][]float32),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Play schedules a tone pattern.
func (p *Player) Play(t protocol.SoundType) {
	if err := t.Validate(); err != nil {
		p.log.Warn("ignoring sound request", slog.String("error", err.Error()))
		return
	}
	select {
	case p.queue <- t:
	default:
		p.log.Debug("sound queue full, dropping", slog.String("sound", string(t)))
	}
}

func (p *Player) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			buf, err := p.render(t)
			if err != nil {
				p.log.Warn("render sound failed", slog.String("error", err.Error()))
				continue
			}
			if err := p.out.Play(p.ctx, buf, p.sampleRate); err != nil {
				p.log.Debug("play sound failed", slog.String("sound", string(t)), slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Player) render(t protocol.SoundType) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf, ok := p.cache[t]; ok {
		return buf, nil
	}
	buf, err := Render(t, p.sampleRate)
	if err != nil {
		return nil, err
	}
	p.cache[t] = buf
	return buf, nil
}

func (p *Player) Close() {
	p.cancel()
	p.wg.Wait()
}
