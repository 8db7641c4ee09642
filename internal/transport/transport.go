// Package transport carries protocol messages between the controller, the
// session context and observers. Every message crosses an encode/decode
// boundary, so payloads are validated on both sides.
package transport

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// ErrNoHandler is returned by Request when nothing serves the subject.
var ErrNoHandler = errors.New("no handler for subject")

// Handler serves one message. The returned message is sent back as the reply
// when the sender is waiting for one; a nil reply is answered with a positive Ack.
type Handler func(ctx context.Context, msg protocol.Message) (protocol.Message, error)

// Subscription is an active handler registration.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the asynchronous channel between isolated execution contexts.
type Transport interface {
	// Request sends msg to target and waits for the reply.
	Request(ctx context.Context, target protocol.Target, msg protocol.Message) (protocol.Message, error)
	// Publish sends msg without waiting for any reply.
	Publish(ctx context.Context, target protocol.Target, msg protocol.Message) error
	// Handle registers h for messages of kind addressed to target.
	Handle(target protocol.Target, kind protocol.Kind, h Handler) (Subscription, error)
	// HandleAll registers h for every kind addressed to target.
	HandleAll(target protocol.Target, h Handler) (Subscription, error)
	Close()
}

// RequestAck sends msg and converts the reply into an error when it is a
// negative acknowledgement or not an acknowledgement at all.
func RequestAck(ctx context.Context, t Transport, target protocol.Target, msg protocol.Message) error {
	reply, err := t.Request(ctx, target, msg)
	if err != nil {
		return err
	}
	ack, ok := reply.(protocol.Ack)
	if !ok {
		return errors.New("unexpected reply " + string(reply.Kind()))
	}
	return ack.Err()
}

func replyFor(reply protocol.Message, err error) protocol.Message {
	if err != nil {
		return protocol.Ack{Success: false, Error: err.Error()}
	}
	if reply == nil {
		return protocol.Ack{Success: true}
	}
	return reply
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
