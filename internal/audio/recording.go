package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Recording pumps buffers from an open stream into a Container and tracks
// the most recent input level.
type Recording struct {
	stream    Stream
	container *Container
	level     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	err       error
}

// Record opens dev and starts capturing into a new container under dir.
// Resources opened before a failure are released.
func Record(ctx context.Context, dev Device, format Format, dir string) (*Recording, error) {
	if dev == nil {
		return nil, ErrUnavailable
	}
	stream, err := dev.Open(ctx, format)
	if err != nil {
		return nil, err
	}
	container, err := NewContainer(dir, stream.Format())
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Recording{
		stream:    stream,
		container: container,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go r.pump(pumpCtx)
	return r, nil
}

func (r *Recording) pump(ctx context.Context) {
	defer close(r.done)
	for {
		pcm, err := r.stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.err = fmt.Errorf("read audio stream: %w", err)
			}
			return
		}
		r.level.Store(int32(Level(pcm)))
		if err := r.container.Append(pcm); err != nil {
			r.err = err
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Level returns the last measured input level, 0-100.
func (r *Recording) Level() int { return int(r.level.Load()) }

// Container exposes the accumulating WAV container.
func (r *Recording) Container() *Container { return r.container }

// Stop ends capture, releases the device and finalizes the container. The
// caller owns the container afterwards and must Remove it.
func (r *Recording) Stop() (*Container, error) {
	r.halt()
	if err := r.container.Finalize(); err != nil {
		return r.container, err
	}
	if r.err != nil && !errors.Is(r.err, context.Canceled) {
		return r.container, r.err
	}
	return r.container, nil
}

// Abort ends capture and discards the container.
func (r *Recording) Abort() {
	r.halt()
	_ = r.container.Remove()
}

func (r *Recording) halt() {
	r.once.Do(func() {
		r.cancel()
		<-r.done
		_ = r.stream.Close()
	})
}
