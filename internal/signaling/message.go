package signaling

import "encoding/json"

// Message types of the signaling protocol.
const (
	TypeWelcome      = "welcome"
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
)

// envelope is the part of every inbound message the server routes on. The
// rest of the payload is opaque.
type envelope struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// notice is a server-originated message.
type notice struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	RoomID   string `json:"roomId,omitempty"`
}

func encodeNotice(typ, clientID, roomID string) []byte {
	// A struct of strings always marshals.
	b, _ := json.Marshal(notice{Type: typ, ClientID: clientID, RoomID: roomID})
	return b
}
