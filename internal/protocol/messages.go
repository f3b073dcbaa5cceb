package protocol

import "time"

// MessageType defines the type of control message.
type MessageType string

const (
	// Authentication
	MsgAuth        MessageType = "auth"
	MsgAuthSuccess MessageType = "auth_success"
	MsgAuthFailed  MessageType = "auth_failed"

	// Tunnel registration
	MsgRegisterTunnels  MessageType = "register_tunnels"
	MsgTunnelRegistered MessageType = "tunnel_registered"
	MsgTunnelFailed     MessageType = "tunnel_failed"

	// Data channel rendezvous
	MsgNewConnection    MessageType = "new_connection"
	MsgConnectionReady  MessageType = "connection_ready"
	MsgConnectionClosed MessageType = "connection_closed"

	// Diagnostics
	MsgStatusRequest  MessageType = "status_request"
	MsgStatusResponse MessageType = "status_response"

	// Keepalive
	MsgPing MessageType = "ping"
	MsgPong MessageType = "pong"
)

// Message is the base structure embedded in every control message.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// NewMessage creates a new base message with the given type, stamped now.
func NewMessage(msgType MessageType) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// AuthMessage is sent by the client immediately after the control
// channel opens.
type AuthMessage struct {
	Message
	Token string `json:"token"`
}

// AuthSuccessMessage confirms authentication and assigns the client its
// session identifier.
type AuthSuccessMessage struct {
	Message
	ClientID string `json:"client_id"`
}

// AuthFailedMessage reports why authentication was rejected. The server
// closes the control channel immediately after sending it.
type AuthFailedMessage struct {
	Message
	Reason string `json:"reason"`
}

// TunnelSpec names one tunnel the client wants registered: expose
// RemotePort on the server, forwarding to LocalPort on the client's host.
type TunnelSpec struct {
	Name       string `json:"name"`
	RemotePort int    `json:"remote_port"`
	LocalPort  int    `json:"local_port"`
}

// RegisterTunnelsMessage asks the server to bind the listed tunnels. Sent
// once after auth_success, and resent in full after every reconnect.
type RegisterTunnelsMessage struct {
	Message
	Tunnels []TunnelSpec `json:"tunnels"`
}

// TunnelResult reports the outcome of registering one TunnelSpec.
type TunnelResult struct {
	Name       string `json:"name"`
	RemotePort int    `json:"remote_port"`
	Error      string `json:"error,omitempty"`
}

// TunnelRegisteredMessage confirms the tunnels that bound successfully.
type TunnelRegisteredMessage struct {
	Message
	Tunnels []TunnelResult `json:"tunnels"`
}

// TunnelFailedMessage reports the tunnels that could not be bound.
type TunnelFailedMessage struct {
	Message
	Tunnels []TunnelResult `json:"tunnels"`
}

// NewConnectionMessage notifies the client that an external peer
// connected to one of its public ports and a data channel is needed.
type NewConnectionMessage struct {
	Message
	ConnectionID  string `json:"connection_id"`
	RemotePort    int    `json:"remote_port"`
	LocalPort     int    `json:"local_port"`
	ClientAddress string `json:"client_address"`
}

// ConnectionReadyMessage is the client's reply once it has dialed its
// local service and opened a one-shot listener for the data socket.
type ConnectionReadyMessage struct {
	Message
	ConnectionID string `json:"connection_id"`
	DataPort     int    `json:"data_port"`
}

// ConnectionClosedMessage notifies the peer that a connection did not
// complete rendezvous, or tears down an established data channel record.
type ConnectionClosedMessage struct {
	Message
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason,omitempty"`
}

// StatusRequestMessage asks the server for the current session summary.
type StatusRequestMessage struct {
	Message
}

// TunnelStatus is one entry of a StatusResponseMessage.
type TunnelStatus struct {
	Name          string `json:"name"`
	RemotePort    int    `json:"remote_port"`
	LocalPort     int    `json:"local_port"`
	ActiveConns   int    `json:"active_conns"`
	BytesSent     int64  `json:"bytes_sent"`
	BytesReceived int64  `json:"bytes_received"`
}

// StatusResponseMessage reports the requesting client's session summary.
type StatusResponseMessage struct {
	Message
	ClientID      string         `json:"client_id"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Tunnels       []TunnelStatus `json:"tunnels"`
}

// PingMessage is a keepalive probe; server and client each send one on
// their own keepalive ticker.
type PingMessage struct {
	Message
}

// PongMessage is the reply to a PingMessage, sent by whichever side
// received the ping.
type PongMessage struct {
	Message
}
