package transport

import (
	"context"
)

// Conn is a bidirectional channel to the orchestration server.
// Receive blocks until a message is available, Send can be called concurrently.
type Conn interface {
	Receive(ctx context.Context) (Envelope, error)
	Send(ctx context.Context, msg Envelope) error
	Close(reason string) error
}

// Sender is the outgoing part of the Conn.
type Sender interface {
	Send(ctx context.Context, msg Envelope) error
}

// SendMessage encodes the payload and sends it.
func SendMessage(ctx context.Context, sender Sender, typ MessageType, payload any) error {
	msg, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return sender.Send(ctx, msg)
}
