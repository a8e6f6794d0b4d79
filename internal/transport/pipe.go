package transport

// Pipe is one end of an in-memory transport. Sends never block: messages are
// queued without bound and delivered to the peer in order.
type Pipe struct {
	closer
	peer *Pipe
	in   *inbox
}

// NewPipe returns two connected ends. Closing either end breaks both.
func NewPipe() (host, sandbox *Pipe) {
	host = &Pipe{closer: newCloser(), in: newInbox()}
	sandbox = &Pipe{closer: newCloser(), in: newInbox()}
	host.peer = sandbox
	sandbox.peer = host
	go host.in.drain(host.done)
	go sandbox.in.drain(sandbox.done)
	return host, sandbox
}

// Send queues msg on the peer's inbound side.
func (p *Pipe) Send(msg string) error {
	if p.closed() {
		if err := p.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	p.peer.in.push(msg)
	return nil
}

func (p *Pipe) Receive() <-chan string { return p.in.out }

// Close breaks both ends. The peer observes ErrClosed from Err.
func (p *Pipe) Close() error {
	p.shut(nil)
	p.peer.shut(ErrClosed)
	return nil
}
