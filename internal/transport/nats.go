package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const defaultRequestTimeout = 5 * time.Second

// NATS implements Transport over a bus connection using request/reply.
type NATS struct {
	conn    *nats.Conn
	log     *slog.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATS(parent context.Context, client *bus.Client, timeout time.Duration, log *slog.Logger) *NATS {
	ctx, cancel := context.WithCancel(parent)
	return &NATS{
		conn:    client.Conn(),
		log:     log.With(slog.String("component", "transport.nats")),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (n *NATS) Request(ctx context.Context, target protocol.Target, msg protocol.Message) (protocol.Message, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		timeout := n.timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	subject := protocol.Subject(target, msg.Kind())
	resp, err := n.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, subject)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	reply, err := protocol.Decode(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("reply to %s: %w", subject, err)
	}
	return reply, nil
}

func (n *NATS) Publish(_ context.Context, target protocol.Target, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	subject := protocol.Subject(target, msg.Kind())
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Handle(target protocol.Target, kind protocol.Kind, h Handler) (Subscription, error) {
	return n.subscribe(protocol.Subject(target, kind), h)
}

func (n *NATS) HandleAll(target protocol.Target, h Handler) (Subscription, error) {
	return n.subscribe(protocol.WildcardSubject(target), h)
}

func (n *NATS) subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(subject, func(m *nats.Msg) {
		msg, err := protocol.Decode(m.Data)
		if err != nil {
			n.log.Warn("dropping invalid message", slog.String("subject", m.Subject), slogError(err))
			n.respond(m, nil, err)
			return
		}
		reply, herr := h(n.ctx, msg)
		n.respond(m, reply, herr)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return sub, nil
}

func (n *NATS) respond(m *nats.Msg, reply protocol.Message, err error) {
	if m.Reply == "" {
		return
	}
	data, encErr := protocol.Encode(replyFor(reply, err))
	if encErr != nil {
		n.log.Warn("failed to encode reply", slog.String("subject", m.Subject), slogError(encErr))
		return
	}
	if err := m.Respond(data); err != nil {
		n.log.Warn("failed to send reply", slog.String("subject", m.Subject), slogError(err))
	}
}

func (n *NATS) Close() {
	n.cancel()
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		_ = sub.Drain()
	}
	n.subs = nil
}
