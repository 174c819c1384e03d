package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spiretalk/spiretalk/types"
)

var (
	opusCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}
	vp8Codec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

// PionEngine creates pion-backed peer connections.
type PionEngine struct {
	stunServer string
}

func NewPionEngine(stunServer string) *PionEngine {
	return &PionEngine{stunServer: stunServer}
}

func (e *PionEngine) NewPeerConn(events EngineEvents) (PeerConn, error) {
	config := webrtc.Configuration{}
	if e.stunServer != "" {
		config.ICEServers = []webrtc.ICEServer{{URLs: []string{e.stunServer}}}
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %w", err)
	}

	conn := &pionConn{pc: pc}

	// microphone track is attached from the start
	audioTrsv, err := pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("error adding audio transceiver: %w", err)
	}
	audioTrack, err := webrtc.NewTrackLocalStaticSample(opusCodec, "audio", "spiretalk-"+uuid.NewString())
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("error creating audio track: %w", err)
	}
	if err := audioTrsv.Sender().ReplaceTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("error attaching audio track: %w", err)
	}
	conn.audioTrack = audioTrack

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || events.OnLocalCandidate == nil {
			return
		}
		raw, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		events.OnLocalCandidate(string(raw))
	})
	pc.OnNegotiationNeeded(func() {
		if events.OnNegotiationNeeded != nil {
			events.OnNegotiationNeeded()
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if events.OnStateChange == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			events.OnStateChange(ConnStateConnected)
		case webrtc.PeerConnectionStateFailed:
			events.OnStateChange(ConnStateFailed)
		case webrtc.PeerConnectionStateClosed:
			events.OnStateChange(ConnStateClosed)
		}
	})
	return conn, nil
}

type pionConn struct {
	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticSample
	videoTrsv  *webrtc.RTPTransceiver
}

func (c *pionConn) CreateOffer() (types.SignalPayload, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return types.SignalPayload{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return types.SignalPayload{}, err
	}
	return types.SignalPayload{Sdp: offer.SDP, SdpType: offer.Type.String()}, nil
}

func (c *pionConn) CreateAnswer(offer types.SignalPayload) (types.SignalPayload, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.Sdp}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return types.SignalPayload{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return types.SignalPayload{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return types.SignalPayload{}, err
	}
	return types.SignalPayload{Sdp: answer.SDP, SdpType: answer.Type.String()}, nil
}

func (c *pionConn) ApplyAnswer(answer types.SignalPayload) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.Sdp}
	return c.pc.SetRemoteDescription(remote)
}

func (c *pionConn) AddICECandidate(candidate string) error {
	init := webrtc.ICECandidateInit{}
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		// older clients send the raw candidate line
		init = webrtc.ICECandidateInit{Candidate: candidate}
	}
	return c.pc.AddICECandidate(init)
}

// EnableVideo replaces the outgoing video track in place when a transceiver
// already exists, otherwise it adds one, which makes pion raise
// negotiation-needed and re-enters the offering path.
func (c *pionConn) EnableVideo() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	track, err := webrtc.NewTrackLocalStaticSample(vp8Codec, "video", "spiretalk-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("error creating video track: %w", err)
	}
	if c.videoTrsv != nil {
		return c.videoTrsv.Sender().ReplaceTrack(track)
	}
	trsv, err := c.pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		return fmt.Errorf("error adding video transceiver: %w", err)
	}
	if err := trsv.Sender().ReplaceTrack(track); err != nil {
		return err
	}
	c.videoTrsv = trsv
	return nil
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
