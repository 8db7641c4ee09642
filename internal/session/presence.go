package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Presence tracks session context heartbeats seen by the controller.
type Presence struct {
	timeout time.Duration
	log     *slog.Logger
	clock   func() time.Time

	mu    sync.RWMutex
	nodes map[string]time.Time

	sub   transport.Subscription
	gauge metric.Int64ObservableGauge
}

func NewPresence(t transport.Transport, timeout time.Duration, log *slog.Logger) (*Presence, error) {
	p := &Presence{
		timeout: timeout,
		log:     log.With(slog.String("component", "presence")),
		clock:   time.Now,
		nodes:   make(map[string]time.Time),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	sub, err := t.Handle(protocol.TargetController, protocol.KindHeartbeat, p.handleHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("subscribe heartbeats: %w", err)
	}
	p.sub = sub
	return p, nil
}

func (p *Presence) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	gauge, err := meter.Int64ObservableGauge("scribe.session.contexts_alive",
		metric.WithDescription("Session contexts with a recent heartbeat"))
	if err != nil {
		return err
	}
	p.gauge = gauge
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(p.gauge, int64(p.AliveCount()))
		return nil
	}, gauge)
	return err
}

func (p *Presence) handleHeartbeat(_ context.Context, msg protocol.Message) (protocol.Message, error) {
	hb, ok := msg.(protocol.Heartbeat)
	if !ok {
		return nil, nil
	}
	p.Observe(hb.NodeID)
	return nil, nil
}

// Observe records a heartbeat from nodeID.
func (p *Presence) Observe(nodeID string) {
	p.mu.Lock()
	_, known := p.nodes[nodeID]
	p.nodes[nodeID] = p.clock()
	p.mu.Unlock()
	if !known {
		p.log.Info("session context online", slog.String("node_id", nodeID))
	}
}

// AliveCount is the number of nodes seen within the timeout.
func (p *Presence) AliveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.clock()
	n := 0
	for _, seen := range p.nodes {
		if now.Sub(seen) <= p.timeout {
			n++
		}
	}
	return n
}

func (p *Presence) Alive() bool {
	return p.AliveCount() > 0
}

func (p *Presence) Close() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
}
