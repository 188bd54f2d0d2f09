package domain

import "time"

// DefaultUserName is used for connections that never supplied a display name.
const DefaultUserName = "anonymous"

// Role describes what a connection contributes to its group.
type Role string

const (
	RoleUnregistered Role = ""
	RoleParticipant  Role = "participant"
	RoleViewer       Role = "viewer"
)

// Member is the latest known state for one user within one group.
// Records are replaced wholesale on every report; MaxSpeed is the running
// maximum across all reports and only ever increases while the record lives.
type Member struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Speed      float64   `json:"speed"`
	MaxSpeed   float64   `json:"maxSpeed"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Bearing    float64   `json:"bearing"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Conn is one live client connection as seen by the hub and the protocol
// dispatcher. Send must never block on a slow consumer; implementations drop
// the payload and report an error instead.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close()
}
