package rtc

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app/sfu"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(core.TrackEvent)
}

func (o *observers) add(fn func(core.TrackEvent)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(core.TrackEvent))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers) emit(ev core.TrackEvent) {
	o.mu.Lock()
	fns := make([]func(core.TrackEvent), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// producer is a published track: an RTPReceiver whose first stream feeds a relay.
type producer struct {
	id        string
	kind      domain.TrackKind
	rtp       core.RTPParameters
	transport *Transport
	receiver  *webrtc.RTPReceiver
	obs       observers

	mu        sync.Mutex
	paused    bool
	closed    bool
	consumers map[string]*consumer
}

func newProducer(t *Transport, params core.PublishParameters, receiver *webrtc.RTPReceiver) *producer {
	return &producer{
		id:        uuid.NewString(),
		kind:      params.Kind,
		rtp:       params.RTP,
		transport: t,
		receiver:  receiver,
		consumers: make(map[string]*consumer),
	}
}

func (p *producer) ID() string                        { return p.id }
func (p *producer) Kind() domain.TrackKind            { return p.kind }
func (p *producer) SourceID() string                  { return "" }
func (p *producer) RTPParameters() core.RTPParameters { return p.rtp }

func (p *producer) Observe(fn func(core.TrackEvent)) (unobserve func()) {
	return p.obs.add(fn)
}

func (p *producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *producer) Pause() error  { return p.setPaused(true) }
func (p *producer) Resume() error { return p.setPaused(false) }

func (p *producer) setPaused(paused bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrTransportClosed
	}
	changed := p.paused != paused
	p.paused = paused
	p.mu.Unlock()

	p.transport.router.relays.SetPaused(p.id, paused)
	if !changed {
		return nil
	}
	if paused {
		p.obs.emit(core.TrackPaused)
	} else {
		p.obs.emit(core.TrackResumed)
		p.requestKeyFrame()
	}
	return nil
}

func (p *producer) attach(c *consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *producer) detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// requestKeyFrame asks the publisher for a fresh video key frame.
func (p *producer) requestKeyFrame() {
	if p.kind != domain.KindVideo {
		return
	}
	ssrc := uint32(0)
	if tr := p.receiver.Track(); tr != nil {
		ssrc = uint32(tr.SSRC())
	}
	if ssrc == 0 && len(p.rtp.Encodings) > 0 {
		ssrc = p.rtp.Encodings[0].SSRC
	}
	if ssrc == 0 {
		return
	}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("write PLI")
	}
}

// Close stops the receiver and closes every subscribed track.
func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = nil
	p.mu.Unlock()

	p.transport.router.relays.Stop(p.id)
	if err := p.receiver.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("stop receiver")
	}
	p.transport.remove(p.id)
	p.transport.router.forgetProducer(p.id)

	p.obs.emit(core.TrackClosed)
	for _, c := range consumers {
		_ = c.Close()
	}
	return nil
}

// consumer is a subscribed track: a local static track sent over the
// subscriber's transport and fed by the source relay.
type consumer struct {
	id        string
	transport *Transport
	source    *producer
	sender    *webrtc.RTPSender
	local     *webrtc.TrackLocalStaticRTP
	rtp       core.RTPParameters
	obs       observers

	mu     sync.Mutex
	paused bool
	closed bool
	sink   *sfu.Sink
	done   chan struct{}
}

func newConsumer(id string, t *Transport, src *producer, sender *webrtc.RTPSender, local *webrtc.TrackLocalStaticRTP, codec core.CodecCapability) *consumer {
	return &consumer{
		id:        id,
		transport: t,
		source:    src,
		sender:    sender,
		local:     local,
		rtp:       sendParameters(sender.GetParameters(), codec),
		done:      make(chan struct{}),
	}
}

func (c *consumer) ID() string                        { return c.id }
func (c *consumer) Kind() domain.TrackKind            { return c.source.kind }
func (c *consumer) SourceID() string                  { return c.source.id }
func (c *consumer) RTPParameters() core.RTPParameters { return c.rtp }

func (c *consumer) Observe(fn func(core.TrackEvent)) (unobserve func()) {
	return c.obs.add(fn)
}

// start waits for the transport, begins sending and joins the source relay.
func (c *consumer) start() {
	select {
	case <-c.transport.ready:
	case <-c.transport.done:
		return
	case <-c.done:
		return
	}
	c.transport.mu.Lock()
	err := c.transport.connectErr
	c.transport.mu.Unlock()
	if err != nil {
		_ = c.Close()
		return
	}

	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("send failed")
		_ = c.Close()
		return
	}
	sink, err := c.transport.router.relays.Attach(c.source.id, c.id, c.local)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("attach to relay")
		_ = c.Close()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sink.Close()
		return
	}
	c.sink = sink
	if c.paused {
		sink.Pause()
	}
	c.mu.Unlock()

	c.source.requestKeyFrame()
	go c.readRTCP()
}

// readRTCP forwards key frame requests from the subscriber to the publisher.
func (c *consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.source.requestKeyFrame()
			}
		}
	}
}

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *consumer) Pause() error  { return c.setPaused(true) }
func (c *consumer) Resume() error { return c.setPaused(false) }

func (c *consumer) setPaused(paused bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	changed := c.paused != paused
	c.paused = paused
	if c.sink != nil {
		if paused {
			c.sink.Pause()
		} else {
			c.sink.Resume()
		}
	}
	c.mu.Unlock()

	if !changed {
		return nil
	}
	if paused {
		c.obs.emit(core.TrackPaused)
	} else {
		c.obs.emit(core.TrackResumed)
		c.source.requestKeyFrame()
	}
	return nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.transport.router.relays.Detach(c.source.id, c.id)
	if err := c.sender.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("stop sender")
	}
	c.source.detach(c.id)
	c.transport.remove(c.id)
	c.transport.router.forgetConsumer(c.id)
	c.obs.emit(core.TrackClosed)
	return nil
}
