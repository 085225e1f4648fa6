package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

func codecType(kind domain.TrackKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func codecCapability(c core.CodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
	}
}

func codecParameters(c core.CodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: codecCapability(c),
		PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
	}
}

// receiveParameters maps the publisher's encodings. The payload type the
// client announced wins over the router default.
func receiveParameters(p core.RTPParameters, codec core.CodecCapability) webrtc.RTPReceiveParameters {
	pt := webrtc.PayloadType(codec.PreferredPayloadType)
	for _, c := range p.Codecs {
		announced := core.CodecCapability{Kind: codec.Kind, MimeType: c.MimeType, ClockRate: c.ClockRate, Channels: c.Channels}
		if c.PayloadType != 0 && announced.Matches(codec) {
			pt = webrtc.PayloadType(c.PayloadType)
			break
		}
	}
	out := webrtc.RTPReceiveParameters{}
	for _, e := range p.Encodings {
		out.Encodings = append(out.Encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         e.RID,
				SSRC:        webrtc.SSRC(e.SSRC),
				PayloadType: pt,
			},
		})
	}
	return out
}

func sendParameters(p webrtc.RTPSendParameters, codec core.CodecCapability) core.RTPParameters {
	out := core.RTPParameters{
		Codecs: []core.CodecParameters{{
			MimeType:    codec.MimeType,
			PayloadType: codec.PreferredPayloadType,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
			SDPFmtpLine: codec.SDPFmtpLine,
		}},
	}
	for _, e := range p.Encodings {
		out.Encodings = append(out.Encodings, core.Encoding{SSRC: uint32(e.SSRC), RID: e.RID})
	}
	return out
}

func fromICEParameters(p webrtc.ICEParameters) core.ICEParameters {
	return core.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func toICEParameters(p core.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func fromICECandidates(in []webrtc.ICECandidate) []core.ICECandidate {
	out := make([]core.ICECandidate, 0, len(in))
	for _, c := range in {
		out = append(out, core.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func toICECandidates(in []core.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func fromDTLSParameters(p webrtc.DTLSParameters) core.DTLSParameters {
	out := core.DTLSParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, core.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func toDTLSParameters(p core.DTLSParameters) (webrtc.DTLSParameters, error) {
	role, err := parseDTLSRole(p.Role)
	if err != nil {
		return webrtc.DTLSParameters{}, err
	}
	out := webrtc.DTLSParameters{Role: role}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}

func parseDTLSRole(s string) (webrtc.DTLSRole, error) {
	switch s {
	case "", "auto":
		return webrtc.DTLSRoleAuto, nil
	case "client":
		return webrtc.DTLSRoleClient, nil
	case "server":
		return webrtc.DTLSRoleServer, nil
	}
	return webrtc.DTLSRoleAuto, fmt.Errorf("unknown dtls role %q", s)
}
