package transport

import "sync"

// inbox is an unbounded FIFO drained into a channel by a single goroutine.
type inbox struct {
	mu    sync.Mutex
	queue []string
	wake  chan struct{}
	out   chan string
}

func newInbox() *inbox {
	return &inbox{
		wake: make(chan struct{}, 1),
		out:  make(chan string),
	}
}

func (b *inbox) push(msg string) {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) pop() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return "", false
	}
	next := b.queue[0]
	b.queue[0] = ""
	b.queue = b.queue[1:]
	return next, true
}

// drain delivers queued messages in order until done is closed.
func (b *inbox) drain(done <-chan struct{}) {
	for {
		next, ok := b.pop()
		if !ok {
			select {
			case <-b.wake:
				continue
			case <-done:
				return
			}
		}
		select {
		case b.out <- next:
		case <-done:
			return
		}
	}
}
