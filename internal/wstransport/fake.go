package wstransport

import (
	"context"
	"errors"
	"sync"
)

// ErrFakeClosed is returned by a closed Fake's Send/Receive.
var ErrFakeClosed = errors.New("wstransport: fake connection closed")

// Fake is an in-memory Conn for tests. Inbound frames are pushed with Push;
// outbound frames sent by the code under test are collected in Sent.
type Fake struct {
	mu       sync.Mutex
	inbound  chan Frame
	closed   bool
	closeErr error

	Sent []Frame
}

// NewFake creates a ready-to-use Fake connection.
func NewFake() *Fake {
	return &Fake{inbound: make(chan Frame, 64)}
}

// Push enqueues a frame as if received from the server.
func (f *Fake) Push(frame Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.inbound <- frame
}

// PushText is a convenience wrapper over Push for JSON/text frames.
func (f *Fake) PushText(data string) {
	f.Push(Frame{Kind: Text, Data: []byte(data)})
}

func (f *Fake) Send(ctx context.Context, frame Frame) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFakeClosed
	}
	f.Sent = append(f.Sent, frame)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Receive(ctx context.Context) (Frame, error) {
	select {
	case frame, ok := <-f.inbound:
		if !ok {
			return Frame{}, ErrFakeClosed
		}
		return frame, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (f *Fake) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbound)
	return f.closeErr
}

func (f *Fake) CloseWrite(ctx context.Context, code int, reason string) error {
	return f.Close(code, reason)
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

// LastSent returns the most recently sent frame, and false when nothing has
// been sent yet, for assertions in tests.
func (f *Fake) LastSent() (Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sent) == 0 {
		return Frame{}, false
	}
	return f.Sent[len(f.Sent)-1], true
}
