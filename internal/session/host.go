package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transport"
)

// ErrHostClosed is returned by Acquire after Close.
var ErrHostClosed = errors.New("session host closed")

// Host provisions the session context on demand and reports whether it is
// still alive. Acquire creates the context if absent; Release drops a
// reference without tearing it down.
type Host interface {
	Acquire(ctx context.Context) error
	Release()
	Alive(ctx context.Context) bool
	Close() error
}

// Factory builds and starts an in-process session Service. The service must
// outlive the request that triggered its creation.
type Factory func() (*Service, error)

// LocalHost runs the session context in the same process.
type LocalHost struct {
	factory Factory
	log     *slog.Logger

	mu     sync.Mutex
	svc    *Service
	refs   int
	closed bool
}

func NewLocalHost(factory Factory, log *slog.Logger) *LocalHost {
	return &LocalHost{factory: factory, log: log.With(slog.String("component", "session-host"))}
}

func (h *LocalHost) Acquire(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	if h.svc == nil || !h.svc.Healthy() {
		if h.svc != nil {
			h.svc.Close()
			h.svc = nil
		}
		svc, err := h.factory()
		if err != nil {
			if svc != nil {
				svc.Close()
			}
			return fmt.Errorf("create session context: %w", err)
		}
		h.svc = svc
		h.log.Info("session context created")
	}
	h.refs++
	return nil
}

func (h *LocalHost) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
}

// Refs reports the number of outstanding acquisitions.
func (h *LocalHost) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

func (h *LocalHost) Alive(context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.svc != nil && h.svc.Healthy()
}

// Service returns the running session context, if any.
func (h *LocalHost) Service() *Service {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.svc
}

func (h *LocalHost) Close() error {
	h.mu.Lock()
	svc := h.svc
	h.svc = nil
	h.closed = true
	h.mu.Unlock()
	if svc != nil {
		svc.Close()
	}
	return nil
}

// RemoteHost reaches a session context running in another process. Liveness
// comes from heartbeats when a Presence tracker is attached, otherwise from
// a PING round trip.
type RemoteHost struct {
	t        transport.Transport
	presence *Presence
	log      *slog.Logger

	mu   sync.Mutex
	refs int
}

func NewRemoteHost(t transport.Transport, presence *Presence, log *slog.Logger) *RemoteHost {
	return &RemoteHost{t: t, presence: presence, log: log.With(slog.String("component", "session-host"))}
}

func (h *RemoteHost) Acquire(ctx context.Context) error {
	if err := transport.RequestAck(ctx, h.t, protocol.TargetSession, protocol.Ping{}); err != nil {
		return fmt.Errorf("session context unavailable: %w", err)
	}
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	return nil
}

func (h *RemoteHost) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
}

func (h *RemoteHost) Alive(ctx context.Context) bool {
	if h.presence != nil {
		return h.presence.Alive()
	}
	return transport.RequestAck(ctx, h.t, protocol.TargetSession, protocol.Ping{}) == nil
}

func (h *RemoteHost) Close() error {
	return nil
}
