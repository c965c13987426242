// Package protocol defines the JSON envelopes exchanged over the relay's
// signaling WebSocket.
//
// One JSON object per WebSocket text message, discriminated by "type".
// Client -> relay types carry "target"; relay -> client forwards of the same
// types carry "from" instead. Parsing is strict: unknown fields, missing
// required fields, and trailing data are all rejected so protocol drift is
// caught at the boundary rather than deep inside the session state machine.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	// Client -> relay.
	TypeJoinRoom  Type = "join_room"
	TypeLeaveRoom Type = "leave_room"

	// Bidirectional (client -> relay with Target, relay -> client with From).
	TypeOffer       Type = "webrtc_offer"
	TypeAnswer      Type = "webrtc_answer"
	TypeCandidate   Type = "webrtc_ice_candidate"
	TypeChatMessage Type = "chat_message"

	// Relay -> client only.
	TypeRoomJoined        Type = "room_joined"
	TypeRoomReady         Type = "room_ready"
	TypeParticipantJoined Type = "participant_joined"
	TypeParticipantLeft   Type = "participant_left"
	TypeError             Type = "error"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of an ICE candidate, matching the browser's
// RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the single wire message shape. Which fields are populated
// depends on Type; Validate enforces the per-type requirements.
type Envelope struct {
	Type Type `json:"type"`

	RoomID   string `json:"room_id,omitempty"`
	Username string `json:"username,omitempty"`

	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`

	ClientID     string   `json:"client_id,omitempty"`
	Participants []string `json:"participants,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	YouAreSender bool `json:"you_are_sender,omitempty"`
}

// Parse decodes a single envelope, rejecting unknown fields and trailing
// data, then validates the per-type field requirements.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeJoinRoom:
		if e.RoomID == "" {
			return fmt.Errorf("join_room missing room_id")
		}
		if e.Username == "" {
			return fmt.Errorf("join_room missing username")
		}
	case TypeLeaveRoom:
		if e.RoomID == "" {
			return fmt.Errorf("leave_room missing room_id")
		}
	case TypeOffer:
		if e.Offer == nil {
			return fmt.Errorf("webrtc_offer missing offer")
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("webrtc_offer has offer.type=%q", e.Offer.Type)
		}
		if e.Target == "" && e.From == "" {
			return fmt.Errorf("webrtc_offer missing target/from")
		}
	case TypeAnswer:
		if e.Answer == nil {
			return fmt.Errorf("webrtc_answer missing answer")
		}
		if e.Answer.Type != "answer" {
			return fmt.Errorf("webrtc_answer has answer.type=%q", e.Answer.Type)
		}
		if e.Target == "" && e.From == "" {
			return fmt.Errorf("webrtc_answer missing target/from")
		}
	case TypeCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("webrtc_ice_candidate missing candidate")
		}
		if e.Target == "" && e.From == "" {
			return fmt.Errorf("webrtc_ice_candidate missing target/from")
		}
	case TypeChatMessage:
		if e.Message == "" {
			return fmt.Errorf("chat_message missing message")
		}
	case TypeRoomJoined:
		if len(e.Participants) == 0 {
			return fmt.Errorf("room_joined missing participants")
		}
	case TypeParticipantJoined:
		if e.ClientID == "" {
			return fmt.Errorf("participant_joined missing client_id")
		}
		if len(e.Participants) == 0 {
			return fmt.Errorf("participant_joined missing participants")
		}
	case TypeParticipantLeft:
		if e.ClientID == "" {
			return fmt.Errorf("participant_left missing client_id")
		}
	case TypeRoomReady:
		// No required fields beyond the type.
	case TypeError:
		if e.Message == "" {
			return fmt.Errorf("error message missing message")
		}
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}
