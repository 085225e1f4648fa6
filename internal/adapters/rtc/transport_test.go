package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// peer is the browser side of a transport, built on the same ORTC objects.
type peer struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	me := &webrtc.MediaEngine{}
	for _, c := range core.DefaultCodecs() {
		require.NoError(t, me.RegisterCodec(codecParameters(c), codecType(c.Kind)))
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	require.NoError(t, err)
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	require.NoError(t, gatherer.Gather())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("peer gathering timed out")
	}

	p := &peer{api: api, gatherer: gatherer, ice: ice, dtls: dtls}
	t.Cleanup(func() {
		_ = dtls.Stop()
		_ = ice.Stop()
		_ = gatherer.Close()
	})
	return p
}

func (p *peer) params(t *testing.T) core.ConnectParameters {
	t.Helper()
	candidates, err := p.gatherer.GetLocalCandidates()
	require.NoError(t, err)
	iceParams, err := p.gatherer.GetLocalParameters()
	require.NoError(t, err)
	dtlsParams, err := p.dtls.GetLocalParameters()
	require.NoError(t, err)
	return core.ConnectParameters{
		ICEParameters:  fromICEParameters(iceParams),
		ICECandidates:  fromICECandidates(candidates),
		DTLSParameters: fromDTLSParameters(dtlsParams),
	}
}

// connect runs both handshakes; the peer is the controlling side.
func (p *peer) connect(t *testing.T, tr core.Transport) {
	t.Helper()
	require.NoError(t, tr.Connect(context.Background(), p.params(t)))

	desc := tr.Descriptor()
	candidates, err := toICECandidates(desc.ICECandidates)
	require.NoError(t, err)
	dtlsParams, err := toDTLSParameters(desc.DTLSParameters)
	require.NoError(t, err)
	require.NoError(t, p.ice.SetRemoteCandidates(candidates))

	errc := make(chan error, 1)
	go func() {
		role := webrtc.ICERoleControlling
		if err := p.ice.Start(nil, toICEParameters(desc.ICEParameters), &role); err != nil {
			errc <- err
			return
		}
		errc <- p.dtls.Start(dtlsParams)
	}()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("handshake timed out")
	}
}

func newLoopbackRouter(t *testing.T) core.Router {
	t.Helper()
	e := NewEngine(Options{
		IncludeLoopback:  true,
		GatherTimeout:    2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	})
	r, err := e.CreateRouter(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPublishBeforeConnectFailsFast(t *testing.T) {
	if testing.Short() {
		t.Skip("gathers ICE candidates")
	}
	r := newLoopbackRouter(t)
	tr, err := r.CreateTransport(context.Background(), "pub")
	require.NoError(t, err)
	assert.False(t, tr.Connected())

	start := time.Now()
	_, err = tr.Publish(context.Background(), core.PublishParameters{
		Kind: domain.KindAudio,
		RTP:  core.RTPParameters{Encodings: []core.Encoding{{SSRC: 1111}}},
	})
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoopbackPublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("runs ICE and DTLS over loopback")
	}
	ctx := context.Background()
	r := newLoopbackRouter(t)

	// publisher
	pubTr, err := r.CreateTransport(ctx, "pub")
	require.NoError(t, err)
	pub := newPeer(t)
	pub.connect(t, pubTr)

	vp8 := core.DefaultCodecs()[1]
	require.Equal(t, domain.KindVideo, vp8.Kind)
	local, err := webrtc.NewTrackLocalStaticRTP(codecCapability(vp8), "video", "stage")
	require.NoError(t, err)
	sender, err := pub.api.NewRTPSender(local, pub.dtls)
	require.NoError(t, err)
	sendParams := sender.GetParameters()
	require.NoError(t, sender.Send(sendParams))
	t.Cleanup(func() { _ = sender.Stop() })

	produced, err := pubTr.Publish(ctx, core.PublishParameters{
		Kind: domain.KindVideo,
		RTP:  core.RTPParameters{Encodings: []core.Encoding{{SSRC: uint32(sendParams.Encodings[0].SSRC)}}},
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		var seq uint16
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				seq++
				_ = local.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 3000},
					Payload: []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a},
				})
			}
		}
	}()

	// subscriber
	subTr, err := r.CreateTransport(ctx, "sub")
	require.NoError(t, err)
	consumed, err := subTr.Subscribe(ctx, produced.ID(), core.Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, produced.ID(), consumed.SourceID())

	closed := make(chan struct{})
	consumed.Observe(func(ev core.TrackEvent) {
		if ev == core.TrackClosed {
			close(closed)
		}
	})

	sub := newPeer(t)
	sub.connect(t, subTr)

	params := consumed.RTPParameters()
	require.Len(t, params.Encodings, 1)
	require.Len(t, params.Codecs, 1)
	receiver, err := sub.api.NewRTPReceiver(webrtc.RTPCodecTypeVideo, sub.dtls)
	require.NoError(t, err)
	require.NoError(t, receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
			},
		}},
	}))
	t.Cleanup(func() { _ = receiver.Stop() })

	got := make(chan *rtp.Packet, 1)
	go func() {
		pkt, _, err := receiver.Track().ReadRTP()
		if err == nil {
			got <- pkt
		}
	}()
	select {
	case pkt := <-got:
		assert.Equal(t, params.Encodings[0].SSRC, pkt.SSRC)
		assert.NotEmpty(t, pkt.Payload)
	case <-time.After(10 * time.Second):
		t.Fatal("no RTP reached the subscriber")
	}

	require.NoError(t, produced.Close())
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed track was not closed with its source")
	}
	assert.False(t, r.CanConsume(produced.ID(), r.Capabilities()))
}
