package transport

import (
	"context"
	"sync"

	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

var ErrClosed = errors.New("connection closed")

// Pipe is an in-memory Conn, the server side is represented by the Inbound and Outbound methods.
// It is used in tests and for embedding the worker into a process with an in-process server.
type Pipe struct {
	inbound  chan Envelope
	outbound chan Envelope
	closed   chan struct{}
	lock     sync.Mutex
	reason   string
}

func NewPipe(buffer int) *Pipe {
	return &Pipe{
		inbound:  make(chan Envelope, buffer),
		outbound: make(chan Envelope, buffer),
		closed:   make(chan struct{}),
	}
}

func (p *Pipe) Receive(ctx context.Context) (Envelope, error) {
	if p.isClosed() {
		return Envelope{}, ErrClosed
	}
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-p.closed:
		return Envelope{}, ErrClosed
	case msg := <-p.inbound:
		return msg, nil
	}
}

func (p *Pipe) Send(ctx context.Context, msg Envelope) error {
	if p.isClosed() {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	case p.outbound <- msg:
		return nil
	}
}

func (p *Pipe) Close(reason string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	select {
	case <-p.closed:
	default:
		p.reason = reason
		close(p.closed)
	}
	return nil
}

// Deliver sends a message from the server to the worker.
func (p *Pipe) Deliver(ctx context.Context, typ MessageType, payload any) error {
	msg, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	if p.isClosed() {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	case p.inbound <- msg:
		return nil
	}
}

// Outbound returns messages sent by the worker.
func (p *Pipe) Outbound() <-chan Envelope {
	return p.outbound
}

// Reason returns the reason passed to the Close method.
func (p *Pipe) Reason() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.reason
}

func (p *Pipe) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
