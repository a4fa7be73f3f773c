package transport

import (
	"sync"

	"github.com/danmuck/cfdp/internal/pdu"
)

// Pipe is one end of an in-memory connected pair.
type Pipe struct {
	mu     sync.Mutex
	in     chan []byte
	peer   *Pipe
	closed bool
}

// NewPipe returns two connected ends; what one sends the other receives.
func NewPipe(buffer int) (*Pipe, *Pipe) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	a := &Pipe{in: make(chan []byte, buffer)}
	b := &Pipe{in: make(chan []byte, buffer)}
	a.peer, b.peer = b, a
	return a, b
}

// Send never blocks; a full peer buffer drops the PDU.
func (p *Pipe) Send(_ pdu.EntityID, _ pdu.TransactionID, raw []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.peer.deliver(append([]byte(nil), raw...))
}

func (p *Pipe) deliver(raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.in <- raw:
		return nil
	default:
		return ErrBufferFull
	}
}

func (p *Pipe) Receive() <-chan []byte {
	return p.in
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.in)
	return nil
}
