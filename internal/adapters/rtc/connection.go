package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
)

type closer interface {
	Close() error
}

// Transport implements core.Transport with an ICE gatherer, ICE transport
// and DTLS transport. The handshake runs in the background after Connect.
type Transport struct {
	id     string
	ref    string
	router *Router
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	desc     core.TransportDescriptor

	ready chan struct{}
	done  chan struct{}

	mu         sync.Mutex
	connecting bool
	connectErr error
	closed     bool
	tracks     map[string]closer
}

func newTransport(ctx context.Context, r *Router, ref string) (*Transport, error) {
	var servers []webrtc.ICEServer
	if len(r.opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: r.opts.ICEServers}}
	}
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &Transport{
		id:       uuid.NewString(),
		ref:      ref,
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		tracks:   make(map[string]closer),
	}
	t.logger = log.With().Str("module", "rtc").Str("transport", t.id).Str("ref", ref).Logger()

	if err := t.gather(ctx); err != nil {
		t.stop()
		return nil, err
	}
	return t, nil
}

func (t *Transport) gather(ctx context.Context) error {
	finished := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(finished) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	wait := ctx
	if t.router.opts.GatherTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, t.router.opts.GatherTimeout)
		defer cancel()
	}
	select {
	case <-finished:
	case <-wait.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		t.logger.Warn().Msg("candidate gathering timed out, using partial set")
	}

	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	t.desc = core.TransportDescriptor{
		ID:             t.id,
		ICEParameters:  fromICEParameters(iceParams),
		ICECandidates:  fromICECandidates(candidates),
		DTLSParameters: fromDTLSParameters(dtlsParams),
	}
	t.logger.Debug().Int("candidates", len(candidates)).Msg("transport gathered")
	return nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Descriptor() core.TransportDescriptor { return t.desc }

// Connect applies the remote parameters and starts the handshake.
func (t *Transport) Connect(_ context.Context, params core.ConnectParameters) error {
	candidates, err := toICECandidates(params.ICECandidates)
	if err != nil {
		return err
	}
	dtlsParams, err := toDTLSParameters(params.DTLSParameters)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.connecting {
		t.mu.Unlock()
		return nil
	}
	t.connecting = true
	t.mu.Unlock()

	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	go t.handshake(toICEParameters(params.ICEParameters), dtlsParams)
	return nil
}

func (t *Transport) handshake(iceParams webrtc.ICEParameters, dtlsParams webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	err := t.ice.Start(nil, iceParams, &role)
	if err == nil {
		err = t.dtls.Start(dtlsParams)
	}

	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
	close(t.ready)

	if err != nil {
		t.logger.Warn().Err(err).Msg("handshake failed")
		return
	}
	t.logger.Info().Msg("transport connected")
}

// Connected reports whether remote parameters were applied.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connecting
}

func (t *Transport) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.connectErr
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish fails fast before Connect and waits at most HandshakeTimeout for
// the handshake, since the caller holds the room lock.
func (t *Transport) Publish(ctx context.Context, params core.PublishParameters) (core.Track, error) {
	if !t.Connected() {
		return nil, fmt.Errorf("publish on %s: %w", t.id, ErrNotConnected)
	}
	if d := t.router.opts.HandshakeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, fmt.Errorf("publish on %s: %w", t.id, err)
	}
	codec, ok := pickCodec(t.router.codecs, params.Kind, t.router.Capabilities())
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoCommonCodec, params.Kind)
	}

	receiver, err := t.router.api.NewRTPReceiver(codecType(params.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(receiveParameters(params.RTP, codec)); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}

	p := newProducer(t, params, receiver)
	if err := t.add(p.id, p); err != nil {
		_ = receiver.Stop()
		return nil, err
	}
	t.router.addProducer(p)
	// simulcast layers beyond the first are received but not relayed
	t.router.relays.Start(context.Background(), p.id, receiver.Track())
	t.logger.Info().Str("producer", p.id).Str("kind", string(params.Kind)).Msg("track published")
	return p, nil
}

// Subscribe creates the sending side right away; RTP starts flowing once
// the transport handshake completes.
func (t *Transport) Subscribe(ctx context.Context, trackID string, caps core.Capabilities) (core.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, ok := t.router.producer(trackID)
	if !ok || src.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	if caps.Empty() {
		caps = t.router.Capabilities()
	}
	codec, ok := pickCodec(t.router.codecs, src.kind, caps)
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoCommonCodec, trackID)
	}

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(codecCapability(codec), id, src.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}

	c := newConsumer(id, t, src, sender, local, codec)
	if err := t.add(c.id, c); err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if !src.attach(c) {
		t.remove(c.id)
		_ = sender.Stop()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	t.router.addConsumer(c)
	go c.start()
	t.logger.Info().Str("consumer", c.id).Str("producer", src.id).Msg("track subscribed")
	return c, nil
}

func (t *Transport) add(id string, tr closer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.tracks[id] = tr
	return nil
}

func (t *Transport) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracks, id)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.closed = true
	tracks := make([]closer, 0, len(t.tracks))
	for _, tr := range t.tracks {
		tracks = append(tracks, tr)
	}
	t.tracks = make(map[string]closer)
	t.mu.Unlock()

	close(t.done)
	for _, tr := range tracks {
		_ = tr.Close()
	}
	t.stop()
	t.router.forgetTransport(t.id)
	t.logger.Info().Msg("transport closed")
	return nil
}

func (t *Transport) stop() {
	err := errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	if err != nil {
		t.logger.Debug().Err(err).Msg("stop transport")
	}
}
