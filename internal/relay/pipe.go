package relay

import (
	"errors"
	"sync"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/protocol"
)

// ErrPipeClosed is returned when sending on a closed pipe.
var ErrPipeClosed = errors.New("pipe closed")

// Pipe is a one-way, ordered channel of serialized messages. Sends never
// block; messages are delivered one at a time on the pipe's own goroutine.
// A message that arrives while no handler is attached is dropped, the same
// way a posted message is lost when nobody is listening yet.
type Pipe struct {
	name string
	log  *debug.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	handler func([]byte)
	closed  bool
	done    chan struct{}
}

// NewPipe creates a pipe and starts its delivery goroutine.
func NewPipe(name string, log *debug.Logger) *Pipe {
	p := &Pipe{name: name, log: debug.Or(log), done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	go p.loop()
	return p
}

// Attach sets the receiving handler, replacing any earlier one.
func (p *Pipe) Attach(h func([]byte)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Send enqueues a copy of data.
func (p *Pipe) Send(data []byte) error {
	msg := append([]byte(nil), data...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipeClosed
	}
	p.queue = append(p.queue, msg)
	p.cond.Signal()
	return nil
}

// Close stops accepting messages. Already queued messages are still
// delivered.
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Done is closed once the delivery goroutine exits.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

func (p *Pipe) loop() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		msg := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		h := p.handler
		p.mu.Unlock()

		if h == nil {
			p.log.Debug("pipe", "%s: no listener, dropped %d bytes", p.name, len(msg))
			continue
		}
		p.deliver(h, msg)
	}
}

func (p *Pipe) deliver(h func([]byte), msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipe", "%s: handler panicked: %v", p.name, r)
		}
	}()
	h(msg)
}

// Conn is one side of a bidirectional link between two contexts.
type Conn struct {
	name string
	out  *Pipe
	in   *Pipe
}

// Link creates two connected ends named a and b.
func Link(a, b string, log *debug.Logger) (*Conn, *Conn) {
	ab := NewPipe(a+"->"+b, log)
	ba := NewPipe(b+"->"+a, log)
	return &Conn{name: a, out: ab, in: ba}, &Conn{name: b, out: ba, in: ab}
}

// Name returns the local end's name.
func (c *Conn) Name() string { return c.name }

// Send transmits raw bytes to the peer.
func (c *Conn) Send(data []byte) error {
	return c.out.Send(data)
}

// Post encodes and transmits an envelope.
func (c *Conn) Post(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.out.Send(data)
}

// Listen attaches the handler for messages from the peer.
func (c *Conn) Listen(h func([]byte)) {
	c.in.Attach(h)
}

// Close closes both directions.
func (c *Conn) Close() {
	c.out.Close()
	c.in.Close()
}
