package protocol

// FrameType identifies a websocket frame in either direction.
type FrameType string

const (
	// client -> server
	FrameAuthentication FrameType = "authentication"
	FrameJoin           FrameType = "join"
	FrameLeave          FrameType = "leave"

	// server -> client
	FrameAuthenticated FrameType = "authenticated"
	FrameUnauthorized  FrameType = "unauthorized"
	FrameMessage       FrameType = "message"
	// FrameJoined answers a join with the rooms the connection now receives.
	FrameJoined FrameType = "joined"
)

// Frame is one websocket text frame.
type Frame struct {
	Type    FrameType `json:"type"`
	Token   string    `json:"token,omitempty"`
	Rooms   []Room    `json:"rooms,omitempty"`
	Error   string    `json:"error,omitempty"`
	Message *Message  `json:"message,omitempty"`
}
