package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// CallPeer produces the SDP carried by call signaling. Media never flows
// through the relay; this peer exists so that offers and answers are real.
type CallPeer struct {
	pc *webrtc.PeerConnection
}

// NewCallPeer creates a peer with an audio transceiver and, when video is
// set, a video transceiver. iceServers may be empty.
func NewCallPeer(video bool, iceServers []string) (*CallPeer, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	return &CallPeer{pc: pc}, nil
}

// Offer creates the local offer and waits for ICE gathering. If ctx ends
// first the description gathered so far is returned.
func (p *CallPeer) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.setLocal(ctx, offer)
}

// Answer applies the remote offer and creates the local answer
func (p *CallPeer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.setLocal(ctx, answer)
}

// Accept applies the remote answer to an offer made by this peer
func (p *CallPeer) Accept(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

// AddICECandidate applies a candidate relayed from the other party
func (p *CallPeer) AddICECandidate(raw json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(cand)
}

func (p *CallPeer) Close() error {
	return p.pc.Close()
}

func (p *CallPeer) setLocal(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description")
	}
	return *local, nil
}

// DecodeSessionDescription parses an offer or answer relayed as JSON
func DecodeSessionDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, err
	}
	if desc.SDP == "" {
		return desc, errors.New("empty session description")
	}
	return desc, nil
}
