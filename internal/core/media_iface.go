package core

//go:generate mockgen -source=media_iface.go -destination=mocks/media_mock.go -package=mocks

import (
	"context"
	"strings"

	"github.com/dkeye/Stage/internal/domain"
)

// CodecCapability describes one codec a router or an endpoint can handle.
type CodecCapability struct {
	Kind                 domain.TrackKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	SDPFmtpLine          string           `json:"sdpFmtpLine,omitempty"`
}

// Matches reports whether two capabilities describe the same codec.
func (c CodecCapability) Matches(o CodecCapability) bool {
	if !strings.EqualFold(c.MimeType, o.MimeType) || c.ClockRate != o.ClockRate {
		return false
	}
	if c.Kind == domain.KindAudio && c.Channels != 0 && o.Channels != 0 {
		return c.Channels == o.Channels
	}
	return true
}

type Capabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

func (c Capabilities) Empty() bool { return len(c.Codecs) == 0 }

// Supports reports whether any codec in c matches codec.
func (c Capabilities) Supports(codec CodecCapability) bool {
	for _, own := range c.Codecs {
		if own.Matches(codec) {
			return true
		}
	}
	return false
}

// DefaultCodecs is the codec set rooms are created with.
func DefaultCodecs() []CodecCapability {
	return []CodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
		{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96},
	}
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportDescriptor is what the remote endpoint needs to reach a transport.
type TransportDescriptor struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters are the remote endpoint's half of the handshake.
type ConnectParameters struct {
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type CodecParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

type Encoding struct {
	SSRC       uint32 `json:"ssrc"`
	RID        string `json:"rid,omitempty"`
	MaxBitrate uint64 `json:"maxBitrate,omitempty"`
}

type RTPParameters struct {
	MID       string            `json:"mid,omitempty"`
	Codecs    []CodecParameters `json:"codecs"`
	Encodings []Encoding        `json:"encodings"`
}

// PublishParameters is passed to Transport.Publish once SSRCs are assigned.
type PublishParameters struct {
	Kind domain.TrackKind
	RTP  RTPParameters
}

// TrackEvent is a notification emitted by a track.
type TrackEvent int

const (
	TrackPaused TrackEvent = iota + 1
	TrackResumed
	TrackClosed
)

func (e TrackEvent) String() string {
	switch e {
	case TrackPaused:
		return "paused"
	case TrackResumed:
		return "resumed"
	case TrackClosed:
		return "closed"
	}
	return "unknown"
}

// Track is a published or subscribed media stream owned by the media engine.
type Track interface {
	ID() string
	Kind() domain.TrackKind
	// SourceID is the published track a subscribed track reads from; empty for published tracks.
	SourceID() string
	RTPParameters() RTPParameters
	Pause() error
	Resume() error
	Paused() bool
	Close() error
	// Observe registers fn for track events. The returned func unregisters it.
	Observe(fn func(TrackEvent)) (unobserve func())
}

// Transport is a participant's media path.
type Transport interface {
	ID() string
	Descriptor() TransportDescriptor
	Connect(ctx context.Context, params ConnectParameters) error
	Connected() bool
	Publish(ctx context.Context, params PublishParameters) (Track, error)
	Subscribe(ctx context.Context, trackID string, caps Capabilities) (Track, error)
	Close() error
}

// Router is the per-room routing context.
type Router interface {
	Capabilities() Capabilities
	CreateTransport(ctx context.Context, ref string) (Transport, error)
	CanConsume(trackID string, caps Capabilities) bool
	Close() error
}

// Engine creates routing contexts.
type Engine interface {
	CreateRouter(ctx context.Context, codecs []CodecCapability) (Router, error)
}
