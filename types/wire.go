package types

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"
)

// Envelope is the one message shape that travels over the signaling websocket,
// in both directions. Payload is decoded into the per-type payload struct at
// the boundary, before dispatch.
type Envelope struct {
	Type    string          `json:"type"`
	RoomId  string          `json:"roomId"`
	Sender  string          `json:"participantId"`
	Target  string          `json:"targetParticipantId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server message types.
const (
	MessageTypeJoinRoom          = "join-room"
	MessageTypeLeaveRoom         = "leave-room"
	MessageTypeOffer             = "offer"
	MessageTypeAnswer            = "answer"
	MessageTypeIceCandidate      = "ice-candidate"
	MessageTypeParticipantUpdate = "participant-update"
	MessageTypeChat              = "chat-message"
	MessageTypeChatHistory       = "chat-history"
	MessageTypePing              = "ping"
)

// Server-to-client message types.
const (
	MessageTypeRoomJoined         = "room-joined"
	MessageTypeParticipantJoined  = "participant-joined"
	MessageTypeParticipantLeft    = "participant-left"
	MessageTypeParticipantUpdated = "participant-updated"
	MessageTypeError              = "error"
	MessageTypePong               = "pong"
)

// JoinPayload is carried by join-room.
type JoinPayload struct {
	DisplayName string `json:"display_name" mapstructure:"display_name"`
}

// ChatPayload is carried by a client chat-message. Filter is an optional expr
// expression evaluated against each target participant.
type ChatPayload struct {
	Text   string `json:"text" mapstructure:"text"`
	Filter string `json:"filter,omitempty" mapstructure:"filter"`
}

// ChatHistoryPayload is carried by chat-history requests.
type ChatHistoryPayload struct {
	Limit int `json:"limit,omitempty" mapstructure:"limit"`
}

// SignalPayload carries an SDP or an ICE candidate. The relay treats it as
// opaque, only the peer machines on either end interpret it.
type SignalPayload struct {
	Sdp       string `json:"sdp,omitempty" mapstructure:"sdp"`
	SdpType   string `json:"sdp_type,omitempty" mapstructure:"sdp_type"`
	Candidate string `json:"candidate,omitempty" mapstructure:"candidate"`
}

// RoomJoinedPayload is the membership snapshot sent to a joining connection.
type RoomJoinedPayload struct {
	Room         Room          `json:"room"`
	You          Participant   `json:"you"`
	Participants []Participant `json:"participants"`
}

// ParticipantPayload announces a join/leave/update of one participant.
type ParticipantPayload struct {
	Participant Participant `json:"participant"`
}

// ChatHistoryReply carries chat history in ascending creation order.
type ChatHistoryReply struct {
	Messages []ChatMessage `json:"messages"`
}

// ErrorPayload is the unicast error reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodePayload decodes the raw payload into out, tolerating the loose typing
// of the mixed client population (string "true" for booleans etc).
func (e *Envelope) DecodePayload(out interface{}) error {
	payloadMap := make(map[string]interface{})
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payloadMap); err != nil {
			return err
		}
	}
	return mapstructure.WeakDecode(payloadMap, out)
}

// NewEnvelope marshals payload and wraps it in an envelope. Marshalling of the
// payload structs defined in this package cannot fail.
func NewEnvelope(msgType, roomId, sender, target string, payload interface{}) *Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return &Envelope{
		Type:    msgType,
		RoomId:  roomId,
		Sender:  sender,
		Target:  target,
		Payload: raw,
	}
}
