package marlin

import (
	"bytes"
	"io"
	"sync"
)

// FakePort is an in-memory ISerialPort for tests (and for exercising the
// driver without real hardware). Lines pushed with PushLine are what Read
// returns, as if received from the firmware; bytes written by the driver
// accumulate in Written.
type FakePort struct {
	mu      sync.Mutex
	inbound bytes.Buffer
	notify  chan struct{}
	closed  bool

	Written bytes.Buffer
	DTR     bool
	RTS     bool
}

// NewFakePort creates a ready-to-use FakePort.
func NewFakePort() *FakePort {
	return &FakePort{notify: make(chan struct{}, 1)}
}

// PushLine enqueues a newline-terminated response line.
func (p *FakePort) PushLine(line string) {
	p.mu.Lock()
	p.inbound.WriteString(line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		p.inbound.WriteByte('\n')
	}
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *FakePort) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		if p.inbound.Len() > 0 {
			n, _ := p.inbound.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		<-p.notify
	}
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.Written.Write(b)
}

func (p *FakePort) SetDTR(dtr bool) error { p.DTR = dtr; return nil }
func (p *FakePort) SetRTS(rts bool) error { p.RTS = rts; return nil }

func (p *FakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.inbound.Reset()
	p.mu.Unlock()
	return nil
}

func (p *FakePort) ResetOutputBuffer() error {
	p.mu.Lock()
	p.Written.Reset()
	p.mu.Unlock()
	return nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// WrittenString returns everything written so far, for assertions.
func (p *FakePort) WrittenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Written.String()
}
