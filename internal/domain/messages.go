package domain

import "encoding/json"

// Inbound message types.
const (
	TypeRegister = "register"
	TypeJoin     = "join"
	TypeSpeed    = "speed"
	TypeHorn     = "horn"
	TypePing     = "ping"
)

// Outbound message types.
const (
	TypeUsers     = "users"
	TypePong      = "pong"
	TypeError     = "error"
	TypeGroupHorn = "group-horn"
)

// Envelope is the inbound wire format. Every client message is a single JSON
// object with a type field; the remaining fields depend on the type and are
// simply left zero when absent.
type Envelope struct {
	Type     string  `json:"type"`
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
	Group    string  `json:"group"`
	Speed    float64 `json:"speed"`
	MaxSpeed float64 `json:"maxSpeed"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Bearing  float64 `json:"bearing"`
}

// RosterMessage carries the full current member set of a group. Recipients
// replace their local view wholesale on each receipt.
type RosterMessage struct {
	Type  string   `json:"type"`
	Users []Member `json:"users"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HornMessage announces an accepted horn signal to the whole group.
type HornMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	GroupName string `json:"groupName"`
	Timestamp int64  `json:"timestamp"`
}

// NewRosterPayload serializes a roster broadcast once so the hub can deliver
// the same bytes to every recipient. A nil member slice encodes as an empty
// list, not null.
func NewRosterPayload(members []Member) ([]byte, error) {
	if members == nil {
		members = []Member{}
	}
	return json.Marshal(RosterMessage{Type: TypeUsers, Users: members})
}
