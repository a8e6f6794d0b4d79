package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/normanking/avatarbridge/internal/transport"
	"github.com/rs/zerolog"
)

// ErrChannelClosed is returned by Send once the channel is closed or broken.
var ErrChannelClosed = errors.New("bridge channel closed")

// Channel is the host end of a bridge to one sandbox instance.
//
// Commands sent before the sandbox reports ready are buffered and flushed, in
// order, the moment ready arrives; nothing sent later can overtake them. Only
// the first ready is delivered. When the transport breaks the channel emits a
// TransportError event and closes Events.
type Channel struct {
	t      transport.Transport
	logger zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	ready   bool
	broken  bool
	closing bool
	pending []protocol.Message

	events    chan protocol.Message
	started   sync.Once
	quit      chan struct{}
	closeOnce sync.Once
	loopEnd   chan struct{}
}

// NewChannel wraps t. Call Start to begin receiving.
func NewChannel(t transport.Transport, logger zerolog.Logger) *Channel {
	return &Channel{
		t:       t,
		logger:  logger.With().Str("component", "bridge-channel").Logger(),
		events:  make(chan protocol.Message, 64),
		quit:    make(chan struct{}),
		loopEnd: make(chan struct{}),
	}
}

// Start begins delivering sandbox events. It runs until ctx is done or the
// transport closes.
func (c *Channel) Start(ctx context.Context) {
	c.started.Do(func() { go c.receive(ctx) })
}

// Events yields sandbox events. It is closed when the channel stops.
func (c *Channel) Events() <-chan protocol.Message { return c.events }

// Ready reports whether the sandbox has announced ready.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Pending reports how many commands wait for ready.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send posts a command. It never waits for the sandbox.
func (c *Channel) Send(m protocol.Message) error {
	if !protocol.IsCommand(m.Type) {
		return protocol.Errorf(protocol.KindProtocol, "send", "%q is not a command", m.Type)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return protocol.Wrap(protocol.KindTransport, "send "+string(m.Type), ErrChannelClosed)
	}
	c.seq++
	m.Seq = c.seq
	if !c.ready {
		c.pending = append(c.pending, m)
		c.logger.Debug().Str("type", string(m.Type)).Int("pending", len(c.pending)).Msg("Buffered until ready")
		return nil
	}
	return c.write(m)
}

// Close shuts the transport and waits for the receive loop to stop.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.broken = true
	c.closing = true
	c.pending = nil
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.quit) })
	err := c.t.Close()
	c.started.Do(func() { close(c.events); close(c.loopEnd) })
	<-c.loopEnd
	return err
}

// write must be called with mu held.
func (c *Channel) write(m protocol.Message) error {
	s, err := protocol.Encode(m)
	if err != nil {
		return protocol.Wrap(protocol.KindProtocol, "encode", err)
	}
	if err := c.t.Send(s); err != nil {
		c.broken = true
		return protocol.Wrap(protocol.KindTransport, "send "+string(m.Type), err)
	}
	return nil
}

func (c *Channel) receive(ctx context.Context) {
	defer close(c.loopEnd)
	defer close(c.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case <-c.t.Done():
			c.fail(c.t.Err())
			return
		case raw := <-c.t.Receive():
			m, err := protocol.Decode(raw)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed sandbox message")
				continue
			}
			if !protocol.IsEvent(m.Type) {
				c.logger.Warn().Str("type", string(m.Type)).Msg("Dropping non-event from sandbox")
				continue
			}
			if m.Type == protocol.TypeReady {
				first, err := c.markReady()
				if err != nil {
					c.fail(err)
					return
				}
				if !first {
					c.logger.Warn().Msg("Dropping duplicate ready")
					continue
				}
			}
			select {
			case c.events <- m:
			case <-ctx.Done():
				return
			case <-c.quit:
				return
			}
		}
	}
}

// markReady flips the channel to ready and flushes buffered commands before
// any later Send can run.
func (c *Channel) markReady() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return false, nil
	}
	c.ready = true
	pending := c.pending
	c.pending = nil
	for _, m := range pending {
		if err := c.write(m); err != nil {
			return true, err
		}
	}
	if len(pending) > 0 {
		c.logger.Debug().Int("count", len(pending)).Msg("Flushed buffered commands")
	}
	return true, nil
}

// fail reports a broken channel. A local close reports nothing.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	closing := c.closing
	c.broken = true
	c.pending = nil
	c.mu.Unlock()
	if err == nil || closing {
		return
	}
	c.logger.Error().Err(err).Msg("Bridge transport broke")
	select {
	case c.events <- protocol.ErrorEvent(protocol.KindTransport, err.Error()):
	default:
	}
}
