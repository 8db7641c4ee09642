package transport

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Notifier is the best-effort broadcast primitive: delivery failures are
// logged and counted but never reach the caller.
type Notifier struct {
	t        Transport
	log      *slog.Logger
	failed   atomic.Int64
	failures metric.Int64Counter
}

func NewNotifier(t Transport, log *slog.Logger) *Notifier {
	n := &Notifier{t: t, log: log.With(slog.String("component", "notifier"))}
	counter, err := otel.Meter("github.com/loqalabs/loqa-scribe/transport").Int64Counter(
		"scribe.transport.delivery_failures",
		metric.WithDescription("Best-effort messages that could not be delivered"),
	)
	if err != nil {
		n.log.Warn("failed to initialize delivery failure counter", slogError(err))
	}
	n.failures = counter
	return n
}

// Notify publishes msg to target, swallowing and recording any failure.
func (n *Notifier) Notify(ctx context.Context, target protocol.Target, msg protocol.Message) {
	if n == nil || n.t == nil {
		return
	}
	if err := n.t.Publish(ctx, target, msg); err != nil {
		n.failed.Add(1)
		if n.failures != nil {
			n.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(msg.Kind())),
				attribute.String("target", string(target)),
			))
		}
		n.log.Debug("best-effort delivery failed",
			slog.String("kind", string(msg.Kind())),
			slog.String("target", string(target)),
			slogError(err))
	}
}

// Failures reports how many deliveries have failed since creation.
func (n *Notifier) Failures() int64 {
	if n == nil {
		return 0
	}
	return n.failed.Load()
}
