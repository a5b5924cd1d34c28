package signaling

import "encoding/json"

// Frame type discriminators shared by both directions of the wire.
const (
	TypeRole         = "role"
	TypePeers        = "peers"
	TypeWait         = "wait"
	TypeStart        = "start"
	TypePeerLeft     = "peer-left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeCandidate    = "candidate"
	TypeTransferDone = "transfer-done"
)

// Role values assigned by the room on admission.
const (
	RoleOfferer  = "offerer"
	RoleAnswerer = "answerer"
)

// ServerFrame is the server-to-client signalling frame. One struct covers all
// frame kinds; Type selects which optional fields are meaningful. SDP and
// candidate payloads stay opaque: the room relays them without interpretation.
type ServerFrame struct {
	Type string `json:"type"`

	// role
	Role string `json:"role,omitempty"`
	Cid  string `json:"cid,omitempty"`

	// peers
	Count int `json:"count,omitempty"`

	// wait (1-based place in the queue)
	Position int `json:"position,omitempty"`

	// start / peer-left / transfer-done
	PeerID string `json:"peerId,omitempty"`

	// relayed offer / answer / candidate
	From      string          `json:"from,omitempty"`
	Sid       int             `json:"sid,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ClientFrame is the client-to-server signalling frame: offer, answer and
// candidate addressed by `to`, plus the sender's transfer-done report.
type ClientFrame struct {
	Type      string          `json:"type"`
	To        string          `json:"to,omitempty"`
	Sid       int             `json:"sid,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
}
