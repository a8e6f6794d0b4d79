package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/normanking/avatarbridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type sandboxEnd struct {
	t *testing.T
	p *transport.Pipe
}

func (s sandboxEnd) emit(m protocol.Message) {
	raw, err := protocol.Encode(m)
	require.NoError(s.t, err)
	require.NoError(s.t, s.p.Send(raw))
}

func (s sandboxEnd) recv() protocol.Message {
	select {
	case raw := <-s.p.Receive():
		m, err := protocol.Decode(raw)
		require.NoError(s.t, err)
		return m
	case <-time.After(2 * time.Second):
		s.t.Fatal("sandbox received nothing")
		return protocol.Message{}
	}
}

func (s sandboxEnd) quiet(d time.Duration) {
	select {
	case raw := <-s.p.Receive():
		s.t.Fatalf("unexpected command %s", raw)
	case <-time.After(d):
	}
}

func newTestChannel(t *testing.T) (*Channel, sandboxEnd) {
	t.Helper()
	host, sb := transport.NewPipe()
	c := NewChannel(host, zerolog.Nop())
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })
	return c, sandboxEnd{t: t, p: sb}
}

func nextEvent(t *testing.T, c *Channel) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return protocol.Message{}
	}
}

func TestChannel_BuffersUntilReady(t *testing.T) {
	c, sb := newTestChannel(t)

	require.NoError(t, c.Send(protocol.LoadModelDataURL("data:,x")))
	require.NoError(t, c.Send(protocol.SetExpression("happy")))
	assert.Equal(t, 2, c.Pending())
	assert.False(t, c.Ready())
	sb.quiet(50 * time.Millisecond)

	sb.emit(protocol.Ready())
	assert.Equal(t, protocol.TypeReady, nextEvent(t, c).Type)
	assert.True(t, c.Ready())

	first := sb.recv()
	assert.Equal(t, protocol.TypeLoadModelDataURL, first.Type)
	assert.Equal(t, uint64(1), first.Seq)
	second := sb.recv()
	assert.Equal(t, protocol.TypeSetExpression, second.Type)
	assert.Equal(t, uint64(2), second.Seq)

	require.NoError(t, c.Send(protocol.StartLipSync()))
	third := sb.recv()
	assert.Equal(t, protocol.TypeStartLipSync, third.Type)
	assert.Equal(t, uint64(3), third.Seq)
	assert.Equal(t, 0, c.Pending())
}

func TestChannel_ReadyDeliveredOnce(t *testing.T) {
	c, sb := newTestChannel(t)
	sb.emit(protocol.Ready())
	sb.emit(protocol.Ready())
	sb.emit(protocol.Touched())

	assert.Equal(t, protocol.TypeReady, nextEvent(t, c).Type)
	assert.Equal(t, protocol.TypeTouched, nextEvent(t, c).Type)
}

func TestChannel_ConcurrentSendsAcrossReadyNeitherLostNorDuplicated(t *testing.T) {
	c, sb := newTestChannel(t)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			assert.NoError(t, c.Send(protocol.SetExpression("idle")))
		}
	}()
	time.Sleep(time.Millisecond)
	sb.emit(protocol.Ready())
	wg.Wait()

	for i := 1; i <= n; i++ {
		m := sb.recv()
		require.Equal(t, uint64(i), m.Seq)
	}
	sb.quiet(50 * time.Millisecond)
}

func TestChannel_DropsJunkFromSandbox(t *testing.T) {
	c, sb := newTestChannel(t)
	require.NoError(t, sb.p.Send("garbage"))
	sb.emit(protocol.SetExpression("happy"))
	sb.emit(protocol.Log("hello"))
	m := nextEvent(t, c)
	assert.Equal(t, protocol.TypeLog, m.Type)
	assert.Equal(t, "hello", m.Message)
}

func TestChannel_RejectsEventsOnSend(t *testing.T) {
	c, _ := newTestChannel(t)
	err := c.Send(protocol.Ready())
	assert.Equal(t, protocol.KindProtocol, protocol.KindOf(err))
}

func TestChannel_BrokenTransport(t *testing.T) {
	c, sb := newTestChannel(t)
	sb.emit(protocol.Ready())
	nextEvent(t, c)

	sb.p.Close()
	m := nextEvent(t, c)
	assert.Equal(t, protocol.TypeError, m.Type)
	assert.Equal(t, string(protocol.KindTransport), m.Kind)

	_, ok := <-c.Events()
	assert.False(t, ok)
	err := c.Send(protocol.StopLipSync())
	assert.Equal(t, protocol.KindTransport, protocol.KindOf(err))
}

func TestChannel_CloseIsQuiet(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	host, _ := transport.NewPipe()
	c := NewChannel(host, zerolog.Nop())
	c.Start(context.Background())
	require.NoError(t, c.Send(protocol.StartLipSync()))
	require.NoError(t, c.Close())

	for m := range c.Events() {
		t.Fatalf("unexpected event after close: %s", m.Type)
	}
	assert.Error(t, c.Send(protocol.StopLipSync()))
	assert.NoError(t, c.Close())
}

func TestChannel_CloseWithoutStart(t *testing.T) {
	host, _ := transport.NewPipe()
	c := NewChannel(host, zerolog.Nop())
	require.NoError(t, c.Close())
	_, ok := <-c.Events()
	assert.False(t, ok)
}
