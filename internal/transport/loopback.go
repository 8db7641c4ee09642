package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const loopbackQueueSize = 256

// ErrQueueFull is returned by Publish when a subscriber cannot keep up.
var ErrQueueFull = errors.New("subscriber queue full")

// Loopback is an in-process Transport. Each subscription drains its own
// ordered queue on a dedicated goroutine, matching per-subject ordering of
// the NATS transport.
type Loopback struct {
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	subs []*loopSub
}

type loopSub struct {
	pattern string
	handler Handler
	queue   chan func()
	once    sync.Once
	done    chan struct{}
	owner   *Loopback
}

func NewLoopback(parent context.Context, log *slog.Logger) *Loopback {
	ctx, cancel := context.WithCancel(parent)
	return &Loopback{
		log:    log.With(slog.String("component", "transport.loopback")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *Loopback) Request(ctx context.Context, target protocol.Target, msg protocol.Message) (protocol.Message, error) {
	decoded, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}
	subject := protocol.Subject(target, msg.Kind())
	matches := l.match(subject)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, subject)
	}
	sub := matches[0]

	type result struct {
		reply protocol.Message
		err   error
	}
	done := make(chan result, 1)
	job := func() {
		reply, herr := sub.handler(l.ctx, decoded)
		reply, err := roundTrip(replyFor(reply, herr))
		done <- result{reply: reply, err: err}
	}
	select {
	case sub.queue <- job:
	case <-sub.done:
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, subject)
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", subject, ctx.Err())
	}
	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", subject, ctx.Err())
	}
}

func (l *Loopback) Publish(_ context.Context, target protocol.Target, msg protocol.Message) error {
	decoded, err := roundTrip(msg)
	if err != nil {
		return err
	}
	subject := protocol.Subject(target, msg.Kind())
	var errs []error
	for _, sub := range l.match(subject) {
		sub := sub
		job := func() {
			if _, err := sub.handler(l.ctx, decoded); err != nil {
				l.log.Debug("handler error", slog.String("subject", subject), slogError(err))
			}
		}
		select {
		case sub.queue <- job:
		case <-sub.done:
		default:
			errs = append(errs, fmt.Errorf("%w: %s", ErrQueueFull, subject))
		}
	}
	return errors.Join(errs...)
}

func (l *Loopback) Handle(target protocol.Target, kind protocol.Kind, h Handler) (Subscription, error) {
	return l.subscribe(protocol.Subject(target, kind), h)
}

func (l *Loopback) HandleAll(target protocol.Target, h Handler) (Subscription, error) {
	return l.subscribe(protocol.WildcardSubject(target), h)
}

func (l *Loopback) subscribe(pattern string, h Handler) (Subscription, error) {
	if l.ctx.Err() != nil {
		return nil, errors.New("loopback transport closed")
	}
	sub := &loopSub{
		pattern: pattern,
		handler: h,
		queue:   make(chan func(), loopbackQueueSize),
		done:    make(chan struct{}),
		owner:   l,
	}
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case job := <-sub.queue:
				job()
			case <-sub.done:
				return
			case <-l.ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

func (s *loopSub) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.owner.mu.Lock()
		defer s.owner.mu.Unlock()
		for i, other := range s.owner.subs {
			if other == s {
				s.owner.subs = append(s.owner.subs[:i], s.owner.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (l *Loopback) match(subject string) []*loopSub {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*loopSub
	for _, sub := range l.subs {
		if matchSubject(sub.pattern, subject) {
			out = append(out, sub)
		}
	}
	return out
}

func (l *Loopback) Close() {
	l.cancel()
	l.wg.Wait()
}

// matchSubject supports the single-token "*" wildcard used by HandleAll.
func matchSubject(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	if len(p) != len(s) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != s[i] {
			return false
		}
	}
	return true
}

func roundTrip(msg protocol.Message) (protocol.Message, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}
