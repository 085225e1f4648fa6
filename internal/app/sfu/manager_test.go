package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanReader hands packets to the relay one at a time. feed returns once
// the relay has finished forwarding the packet and asks for the next one.
type chanReader struct {
	ch      chan *rtp.Packet
	idle    chan struct{}
	started bool
}

func newChanReader() *chanReader {
	return &chanReader{ch: make(chan *rtp.Packet), idle: make(chan struct{})}
}

func (r *chanReader) feed(p *rtp.Packet) {
	r.ch <- p
	<-r.idle
}

func (r *chanReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if r.started {
		r.idle <- struct{}{}
	}
	r.started = true
	pkt, ok := <-r.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint16
	fail error
}

func (w *recorder) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.seqs = append(w.seqs, p.SequenceNumber)
	return nil
}

func (w *recorder) got() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint16(nil), w.seqs...)
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: 1234}}
}

func TestForwardsToActiveSinks(t *testing.T) {
	m := NewManager()
	src := newChanReader()
	m.Start(context.Background(), "p1", src)

	a, b := &recorder{}, &recorder{}
	_, err := m.Attach("p1", "c1", a)
	require.NoError(t, err)
	sb, err := m.Attach("p1", "c2", b)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Sinks("p1"))

	src.feed(packet(1))
	sb.Pause()
	src.feed(packet(2))
	sb.Resume()
	src.feed(packet(3))
	m.Stop("p1")
	close(src.ch)

	assert.Equal(t, []uint16{1, 2, 3}, a.got())
	assert.Equal(t, []uint16{1, 3}, b.got())
	assert.Equal(t, uint64(2), sb.Written())
	assert.Equal(t, SinkClosed, sb.State())
}

func TestPausedRelaySkipsPackets(t *testing.T) {
	m := NewManager()
	src := newChanReader()
	m.Start(context.Background(), "p1", src)
	w := &recorder{}
	_, err := m.Attach("p1", "c1", w)
	require.NoError(t, err)

	require.True(t, m.SetPaused("p1", true))
	src.feed(packet(1))
	require.True(t, m.SetPaused("p1", false))
	src.feed(packet(2))
	close(src.ch)

	require.Eventually(t, func() bool { return !m.Has("p1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{2}, w.got())
	assert.False(t, m.SetPaused("p1", true))
}

func TestWriteFailureDropsSink(t *testing.T) {
	var dropped atomic.Value
	m := NewManager(WithSinkDropped(func(producerID, consumerID string) {
		dropped.Store(producerID + "/" + consumerID)
	}))
	src := newChanReader()
	m.Start(context.Background(), "p1", src)

	bad := &recorder{fail: errors.New("broken pipe")}
	s, err := m.Attach("p1", "c1", bad)
	require.NoError(t, err)

	src.feed(packet(1))
	src.feed(packet(2))
	assert.Equal(t, SinkClosed, s.State())
	assert.Equal(t, "p1/c1", dropped.Load())
	assert.Zero(t, m.Sinks("p1"))
	close(src.ch)
}

func TestSourceEndNotifies(t *testing.T) {
	ended := make(chan string, 1)
	m := NewManager(WithSourceEnded(func(producerID string) { ended <- producerID }))
	src := newChanReader()
	relay := m.Start(context.Background(), "p1", src)
	s, err := m.Attach("p1", "c1", &recorder{})
	require.NoError(t, err)

	close(src.ch)
	select {
	case id := <-ended:
		assert.Equal(t, "p1", id)
	case <-time.After(time.Second):
		t.Fatal("source end not reported")
	}
	<-relay.Done()
	assert.False(t, m.Has("p1"))
	assert.Equal(t, SinkClosed, s.State())
}

func TestStopDoesNotReportSourceEnd(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(WithSourceEnded(func(string) { calls.Add(1) }))
	src := newChanReader()
	relay := m.Start(context.Background(), "p1", src)

	m.Stop("p1")
	close(src.ch)
	<-relay.Done()
	assert.Zero(t, calls.Load())
	assert.Zero(t, m.Len())
}

func TestReplaceRelay(t *testing.T) {
	m := NewManager()
	first, second := newChanReader(), newChanReader()
	old := m.Start(context.Background(), "p1", first)
	s, err := m.Attach("p1", "c1", &recorder{})
	require.NoError(t, err)

	m.Start(context.Background(), "p1", second)
	assert.Equal(t, SinkClosed, s.State())
	assert.Equal(t, 1, m.Len())

	close(first.ch)
	<-old.Done()
	assert.True(t, m.Has("p1"))

	m.StopAll()
	close(second.ch)
	assert.Zero(t, m.Len())
}

func TestAttachWithoutRelay(t *testing.T) {
	m := NewManager()
	_, err := m.Attach("nope", "c1", &recorder{})
	assert.ErrorIs(t, err, ErrNoRelay)
	m.Detach("nope", "c1")
	m.Stop("nope")
}

func TestDetach(t *testing.T) {
	m := NewManager()
	src := newChanReader()
	m.Start(context.Background(), "p1", src)
	w := &recorder{}
	s, err := m.Attach("p1", "c1", w)
	require.NoError(t, err)

	m.Detach("p1", "c1")
	assert.Equal(t, SinkClosed, s.State())
	src.feed(packet(1))
	src.feed(packet(2))
	assert.Empty(t, w.got())
	assert.Zero(t, m.Sinks("p1"))
	close(src.ch)
}
