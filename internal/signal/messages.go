package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Message types carried over the room relay. The relay forwards negotiation
// and chat messages verbatim between the two room members; it never inspects
// SDP or candidate contents.
const (
	TypeJoin         = "join"
	TypeJoinRejected = "join-rejected"
	TypeRoomStatus   = "room-status"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeReady        = "ready"
	TypeRenegotiate  = "renegotiate"
	TypeSendMessage  = "send-message"
	TypeChatMessage  = "chat-message"
	TypeEndCall      = "end-call"
	TypeCallEnded    = "call-ended"
)

// Envelope is the wire framing for every signaling message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload produces an
// envelope with no payload field (used by ready/end-call/call-ended).
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// SessionDescription is the JSON shape of an offer or answer payload.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// ValidateAudioDescription rejects descriptions that do not parse as SDP or
// that carry no audio section. Used by the call engine before applying a
// remote description; the relay itself never calls this.
func ValidateAudioDescription(d SessionDescription) error {
	if strings.TrimSpace(d.SDP) == "" {
		return fmt.Errorf("empty sdp in %s", d.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("malformed sdp in %s: %w", d.Type, err)
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return nil
		}
	}
	return fmt.Errorf("%s sdp has no audio section", d.Type)
}

// Candidate is the JSON shape of an ice-candidate payload.
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

// Room roles. A room holds at most one of each.
const (
	RoleAgent    = "agent"
	RoleCustomer = "customer"
)

// Join is sent once per connection, before anything else.
type Join struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

type JoinRejected struct {
	Reason string `json:"reason"`
}

// RoomStatus is broadcast to all members whenever membership changes.
// Connected is true only while both the agent and the customer are present.
type RoomStatus struct {
	Connected bool `json:"connected"`
}

// ChatMessage is what the relay broadcasts for each send-message it receives.
// The relay stamps ID and, when the sender left it empty, Time.
type ChatMessage struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
	Role   string `json:"role,omitempty"`
	Time   string `json:"time,omitempty"`
}
