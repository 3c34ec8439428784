// Package signaling forwards call setup between two connected users. The
// relay keeps no state: every event is delivered now or not at all.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/presence"

	"github.com/pion/webrtc/v4"
)

const offlineMessage = "User is offline"

type Peers interface {
	Resolve(userID string) (presence.Sink, bool)
}

type Relay struct {
	peers Peers
}

func New(peers Peers) *Relay {
	return &Relay{peers: peers}
}

func missingFields(fields ...string) error {
	for _, f := range fields {
		if f == "" {
			return fmt.Errorf("%w: Missing required fields", models.ErrValidation)
		}
	}
	return nil
}

// Initiate rings calleeID. When the callee is unreachable, origin gets
// callFailed and the callee gets nothing.
func (r *Relay) Initiate(origin presence.Sink, callerID, calleeID string, kind models.CallKind) error {
	if err := missingFields(callerID, calleeID, string(kind)); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unsupported call type %q", models.ErrValidation, kind)
	}

	if r.forward(calleeID, models.NewEvent(models.EventIncomingCall, models.CallInitiatePayload{
		SenderID:   callerID,
		ReceiverID: calleeID,
		CallType:   kind,
	})) {
		metrics.CallEvents.WithLabelValues("ringing").Inc()
		return nil
	}

	metrics.CallEvents.WithLabelValues("failed").Inc()
	if origin != nil {
		origin.Send(models.NewEvent(models.EventCallFailed, models.CallFailedPayload{Message: offlineMessage}))
	}
	return nil
}

// Respond forwards a responder's verdict to the caller. The payload keeps
// the caller in senderId and the responder in receiverId, as the call was
// originally addressed.
func (r *Relay) Respond(responderID, callerID string, verdict models.CallVerdict) (bool, error) {
	if err := missingFields(responderID, callerID, string(verdict)); err != nil {
		return false, err
	}
	if !verdict.Valid() {
		return false, fmt.Errorf("%w: unsupported call response %q", models.ErrValidation, verdict)
	}

	ok := r.forward(callerID, models.NewEvent(models.EventCallResponse, models.CallResponsePayload{
		SenderID:   callerID,
		ReceiverID: responderID,
		Response:   verdict,
	}))
	if ok {
		metrics.CallEvents.WithLabelValues(string(verdict)).Inc()
	} else {
		metrics.CallEvents.WithLabelValues("response_dropped").Inc()
	}
	return ok, nil
}

// RelaySignal passes a negotiation payload through untouched.
func (r *Relay) RelaySignal(fromID, toID string, signal json.RawMessage) (bool, error) {
	payload := string(bytes.TrimSpace(signal))
	if payload == "null" {
		payload = ""
	}
	if err := missingFields(fromID, toID, payload); err != nil {
		return false, err
	}

	kind := Classify(signal)
	ok := r.forward(toID, models.NewEvent(models.EventWebRTCSignal, models.SignalPayload{
		SenderID:   fromID,
		ReceiverID: toID,
		Signal:     signal,
	}))
	if ok {
		metrics.SignalPayloads.WithLabelValues(kind).Inc()
	} else {
		metrics.SignalPayloads.WithLabelValues("dropped").Inc()
		slog.Debug("signaling: signal dropped, peer unreachable", "from", fromID, "to", toID, "kind", kind)
	}
	return ok, nil
}

func (r *Relay) forward(userID string, event models.ServerEvent) bool {
	sink, ok := r.peers.Resolve(userID)
	if !ok {
		return false
	}
	if !sink.Send(event) {
		metrics.DroppedEvents.Inc()
		return false
	}
	return true
}

// Classify names the kind of a negotiation payload for metrics: an SDP
// type such as "offer" or "answer", "candidate" for ICE candidates or
// "unknown". It never rejects a payload.
func Classify(signal json.RawMessage) string {
	var probe struct {
		Type      string          `json:"type"`
		SDP       string          `json:"sdp"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(signal, &probe); err != nil {
		return "unknown"
	}

	if t := webrtc.NewSDPType(probe.Type); t != webrtc.SDPTypeUnknown {
		return t.String()
	}

	candidate := bytes.TrimSpace(probe.Candidate)
	switch {
	case len(candidate) == 0:
	case candidate[0] == '"':
		var init webrtc.ICECandidateInit
		if json.Unmarshal(signal, &init) == nil && init.Candidate != "" {
			return "candidate"
		}
	case candidate[0] == '{':
		var init webrtc.ICECandidateInit
		if json.Unmarshal(candidate, &init) == nil && init.Candidate != "" {
			return "candidate"
		}
	}
	return "unknown"
}
