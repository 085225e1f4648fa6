package rtc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

func TestPickCodec(t *testing.T) {
	codecs := core.DefaultCodecs()

	got, ok := pickCodec(codecs, domain.KindVideo, core.Capabilities{Codecs: []core.CodecCapability{
		{Kind: domain.KindVideo, MimeType: "VIDEO/vp8", ClockRate: 90000},
	}})
	require.True(t, ok)
	assert.Equal(t, "video/VP8", got.MimeType)

	_, ok = pickCodec(codecs, domain.KindVideo, core.Capabilities{Codecs: []core.CodecCapability{
		{Kind: domain.KindVideo, MimeType: "video/H264", ClockRate: 90000},
	}})
	assert.False(t, ok)

	_, ok = pickCodec(codecs, domain.KindAudio, core.Capabilities{Codecs: []core.CodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 1},
	}})
	assert.False(t, ok, "channel count must match")
}

func TestCreateRouter(t *testing.T) {
	e := NewEngine(Options{UDPPortMin: 50000, UDPPortMax: 50100, PublicIP: "203.0.113.7"})
	r, err := e.CreateRouter(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, core.DefaultCodecs(), r.Capabilities().Codecs)
	assert.False(t, r.CanConsume("missing", r.Capabilities()))

	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Close(), ErrRouterClosed)
	_, err = r.CreateTransport(context.Background(), "sid")
	assert.ErrorIs(t, err, ErrRouterClosed)
}

func TestCreateRouterCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(Options{}).CreateRouter(ctx, core.DefaultCodecs())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestObservers(t *testing.T) {
	var o observers
	var got []core.TrackEvent
	stop := o.add(func(ev core.TrackEvent) { got = append(got, ev) })
	o.emit(core.TrackPaused)
	stop()
	o.emit(core.TrackClosed)
	assert.Equal(t, []core.TrackEvent{core.TrackPaused}, got)
}
