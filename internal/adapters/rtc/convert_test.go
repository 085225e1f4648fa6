package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

func TestICECandidates(t *testing.T) {
	in := []core.ICECandidate{
		{Foundation: "1", Priority: 2130706431, Address: "10.0.0.1", Protocol: "udp", Port: 40001, Type: "host"},
		{Foundation: "2", Priority: 1694498815, Address: "203.0.113.7", Protocol: "tcp", Port: 443, Type: "srflx", TCPType: "passive"},
	}
	cands, err := toICECandidates(in)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, webrtc.ICEProtocolUDP, cands[0].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeSrflx, cands[1].Typ)
	assert.Equal(t, uint16(1), cands[0].Component)

	assert.Equal(t, in, fromICECandidates(cands))
}

func TestICECandidatesRejectUnknown(t *testing.T) {
	_, err := toICECandidates([]core.ICECandidate{{Foundation: "1", Protocol: "sctp", Type: "host"}})
	assert.Error(t, err)
	_, err = toICECandidates([]core.ICECandidate{{Foundation: "1", Protocol: "udp", Type: "bogus"}})
	assert.Error(t, err)
}

func TestDTLSParameters(t *testing.T) {
	p, err := toDTLSParameters(core.DTLSParameters{
		Role:         "client",
		Fingerprints: []core.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	})
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleClient, p.Role)
	assert.Equal(t, "AB:CD", p.Fingerprints[0].Value)

	back := fromDTLSParameters(p)
	assert.Equal(t, "client", back.Role)

	p, err = toDTLSParameters(core.DTLSParameters{})
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleAuto, p.Role)

	_, err = toDTLSParameters(core.DTLSParameters{Role: "both"})
	assert.Error(t, err)
}

func TestReceiveParametersPayloadType(t *testing.T) {
	vp8 := core.CodecCapability{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96}
	rtp := core.RTPParameters{
		Codecs:    []core.CodecParameters{{MimeType: "video/vp8", ClockRate: 90000, PayloadType: 101}},
		Encodings: []core.Encoding{{SSRC: 11, RID: "q"}, {SSRC: 12, RID: "h"}},
	}
	got := receiveParameters(rtp, vp8)
	require.Len(t, got.Encodings, 2)
	assert.Equal(t, webrtc.PayloadType(101), got.Encodings[0].PayloadType)
	assert.Equal(t, webrtc.SSRC(12), got.Encodings[1].SSRC)
	assert.Equal(t, "h", got.Encodings[1].RID)

	rtp.Codecs = nil
	got = receiveParameters(rtp, vp8)
	assert.Equal(t, webrtc.PayloadType(96), got.Encodings[0].PayloadType)
}

func TestSendParameters(t *testing.T) {
	opus := core.DefaultCodecs()[0]
	sp := webrtc.RTPSendParameters{Encodings: []webrtc.RTPEncodingParameters{
		{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: 77}},
	}}
	got := sendParameters(sp, opus)
	assert.Equal(t, []core.Encoding{{SSRC: 77}}, got.Encodings)
	assert.Equal(t, "audio/opus", got.Codecs[0].MimeType)
	assert.Equal(t, uint8(111), got.Codecs[0].PayloadType)
}

func TestCodecType(t *testing.T) {
	assert.Equal(t, webrtc.RTPCodecTypeAudio, codecType(domain.KindAudio))
	assert.Equal(t, webrtc.RTPCodecTypeVideo, codecType(domain.KindVideo))
}
