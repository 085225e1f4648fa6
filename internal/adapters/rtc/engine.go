// Package rtc implements the media engine on pion/webrtc's ORTC API. One
// webrtc.API per room, one ICE+DTLS transport per participant and an sfu
// relay per published track.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrRouterClosed    = errors.New("router closed")
	ErrUnknownTrack    = errors.New("unknown track")
	ErrNoCommonCodec   = errors.New("no common codec")

	// ErrNotConnected is returned by Publish before Connect was called.
	ErrNotConnected = errors.New("transport not connected")
)

type Options struct {
	ICEServers    []string
	PublicIP      string
	UDPPortMin    uint16
	UDPPortMax    uint16
	GatherTimeout time.Duration

	// HandshakeTimeout bounds the wait for ICE and DTLS when publishing.
	HandshakeTimeout time.Duration
	// IncludeLoopback gathers 127.0.0.1 candidates for clients on the same host.
	IncludeLoopback bool
}

// Engine implements core.Engine.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts}
}

func (e *Engine) CreateRouter(ctx context.Context, codecs []core.CodecCapability) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(codecs) == 0 {
		codecs = core.DefaultCodecs()
	}

	me := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := me.RegisterCodec(codecParameters(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if e.opts.UDPPortMin > 0 && e.opts.UDPPortMax >= e.opts.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(e.opts.UDPPortMin, e.opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if e.opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if e.opts.PublicIP != "" {
		se.SetNAT1To1IPs([]string{e.opts.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	r := newRouter(api, codecs, e.opts)
	log.Info().Str("module", "rtc").Str("router", r.id).Int("codecs", len(codecs)).Msg("router created")
	return r, nil
}
