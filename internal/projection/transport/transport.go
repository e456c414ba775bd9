// Package transport defines the contract shared by every medium that
// carries frames to the visualisation client and commands back.
package transport

import (
	"time"

	"github.com/banshee-data/projector/internal/projection/perf"
	"github.com/banshee-data/projector/internal/projection/protocol"
)

// Transport is implemented by the shared-memory and socket adapters. No
// method returns an error: setup failures surface as false from Connect,
// dropped data as false from the send methods, and everything else only
// through ClientInfo counters.
type Transport interface {
	// Connect acquires the medium and starts background work. It returns
	// false, with everything released, if any step fails.
	Connect() bool
	// Disconnect stops background work and releases the medium. Safe to
	// call more than once and from any goroutine.
	Disconnect()
	// IsConnected probes the medium on every call.
	IsConnected() bool
	SendTrackingData(frameID uint64, objects []protocol.TrackedObject, collisions []protocol.Collision) bool
	SendProjectionConfig(width, height int) bool
	// ReceiveCommands returns the commands that arrived since the last
	// call without blocking.
	ReceiveCommands() []protocol.Command
	// ClientInfo returns false when disconnected.
	ClientInfo() (ClientInfo, bool)
	Capabilities() Capabilities
	// DisplayConfig returns the config retained from the last
	// SendProjectionConfig call.
	DisplayConfig() (protocol.DisplayConfig, bool)
}

// Capabilities describes what a transport actually delivers.
type Capabilities struct {
	Name string `json:"name"`
	// DisplayConfigDelivery is true when SendProjectionConfig reaches the
	// client. The socket transport's line format has no slot for it.
	DisplayConfigDelivery bool `json:"display_config_delivery"`
	Batching              bool `json:"batching"`
	Profiling             bool `json:"profiling"`
	// Heartbeat is true when the transport tracks local liveness. No
	// transport exchanges liveness messages with the client.
	Heartbeat bool `json:"heartbeat"`
}

// ClientInfo is a snapshot of a connected transport's counters.
type ClientInfo struct {
	Transport       string `json:"transport"`
	SessionID       string `json:"session_id"`
	ProtocolVersion uint32 `json:"protocol_version"`
	Serializer      string `json:"serializer"`
	Endpoint        string `json:"endpoint"`

	FramesSent         uint64 `json:"frames_sent"`
	BytesSent          uint64 `json:"bytes_sent"`
	PacketLoss         uint64 `json:"packet_loss_count"`
	ConnectionAttempts uint64 `json:"connection_attempts"`
	ConnectionFailures uint64 `json:"connection_failures"`
	CommandsReceived   uint64 `json:"commands_received"`
	ChecksumFailures   uint64 `json:"checksum_failures"`
	OversizeRejected   uint64 `json:"oversize_rejected"`

	AvgSendLatency   time.Duration `json:"avg_send_latency_ns"`
	AvgSerializeTime time.Duration `json:"avg_serialize_time_ns"`
	Throughput       float64       `json:"throughput_fps"`
	Uptime           time.Duration `json:"uptime_ns"`

	ClientProcessRunning bool      `json:"client_process_running"`
	PeerConnected        bool      `json:"peer_connected"`
	LastHeartbeat        time.Time `json:"last_heartbeat,omitempty"`

	Batching *perf.BatchStats `json:"batching,omitempty"`
}
