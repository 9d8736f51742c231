package server

import (
	"encoding/json"
	"time"
)

const (
	// DefaultMaxClients bounds concurrent WebSocket connections when config leaves it unset
	DefaultMaxClients = 1000
	// DefaultSendBuffer is the size of per-connection message queues
	DefaultSendBuffer = 256
	// ShutdownTimeout is how long Stop waits for goroutines.
	// WorkerPool.Stop alone may take up to 30s.
	ShutdownTimeout = 45 * time.Second
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// Client message types
const (
	msgJoinProject  = "join_project"
	msgLeaveProject = "leave_project"
	msgPing         = "ping"
)

// Server message types besides the job events themselves
const (
	msgConnected = "connected"
	msgJoined    = "joined"
	msgLeft      = "left"
	msgPong      = "pong"
	msgError     = "error"
)

// ClientMessage is a message read from a WebSocket connection
type ClientMessage struct {
	Type      string `json:"type"`       // "join_project", "leave_project", "ping"
	ProjectID string `json:"project_id"` // For join_project/leave_project
}

// Message is the envelope written to WebSocket connections
type Message struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// cancelRequest is the optional body of the cancel endpoints
type cancelRequest struct {
	Reason string `json:"reason"`
}

// bulkCancelResponse reports a scoped cancellation
type bulkCancelResponse struct {
	Cancelled int         `json:"cancelled"`
	Jobs      interface{} `json:"jobs"`
}

// healthResponse is returned by /health
type healthResponse struct {
	Status         string `json:"status"`
	State          string `json:"state"`
	Node           string `json:"node"`
	Connections    int    `json:"connections"`
	ActiveRuns     int    `json:"active_runs"`
	OutboxDropped  int64  `json:"outbox_dropped"`
	OutboxFailed   int64  `json:"outbox_failed"`
	HubDropped     int64  `json:"hub_dropped"`
	RelayConnected bool   `json:"relay_connected"`
}
