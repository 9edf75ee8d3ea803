package client

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCallPeerOfferAnswer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller, err := NewCallPeer(true, nil)
	if err != nil {
		t.Fatalf("NewCallPeer: %v", err)
	}
	defer caller.Close()

	offer, err := caller.Offer(ctx)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if !strings.Contains(offer.SDP, "m=audio") || !strings.Contains(offer.SDP, "m=video") {
		t.Errorf("Expected audio and video m-lines, got:\n%s", offer.SDP)
	}

	raw, _ := json.Marshal(offer)
	decoded, err := DecodeSessionDescription(raw)
	if err != nil {
		t.Fatalf("DecodeSessionDescription: %v", err)
	}

	callee, err := NewCallPeer(true, nil)
	if err != nil {
		t.Fatalf("NewCallPeer: %v", err)
	}
	defer callee.Close()

	answer, err := callee.Answer(ctx, decoded)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := caller.Accept(answer); err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestDecodeSessionDescriptionRejectsEmpty(t *testing.T) {
	if _, err := DecodeSessionDescription(json.RawMessage(`{"type":"offer"}`)); err == nil {
		t.Error("Expected empty SDP to be rejected")
	}
}
