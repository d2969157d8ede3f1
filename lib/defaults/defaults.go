// Package defaults holds the tunables fixed by the wire protocol and the
// relay's operational defaults. Keeping them in one leaf package (Teleport's
// lib/defaults convention) avoids import cycles between lib/relay,
// lib/hostfs and lib/mcpserver.
package defaults

import "time"

const (
	// ProtocolVersion is the only version HELLO/HELLO_ACK accept.
	ProtocolVersion = 2

	// MaxPayloadSize is the largest payload a packet header may advertise.
	MaxPayloadSize = 16 * 1024 * 1024

	// InitialWindow is the receive window each side advertises in
	// HELLO/HELLO_ACK before any WINDOW_UPDATE has been exchanged.
	InitialWindow = 256 * 1024

	// ChunkSize bounds a single outbound STREAM_DATA/TERM_OUTPUT payload.
	ChunkSize = 64 * 1024

	// WindowUpdateThreshold is the accumulated inbound byte count at which
	// the relay emits a WINDOW_UPDATE and resets its unacked counter.
	WindowUpdateThreshold = 8 * 1024

	// StreamWaitTimeout is how long an operation initiator waits for a
	// stream's completion before cancelling it.
	StreamWaitTimeout = 300 * time.Second

	// RelayHost is the default bind address for the TCP transport listener.
	RelayHost = "0.0.0.0"

	// RelayPort is the default TCP port the remote client connects to.
	RelayPort = 5000

	// MCPHost is always loopback: the tool-dispatch HTTP endpoint is never
	// exposed beyond the machine running the assistant.
	MCPHost = "127.0.0.1"

	// MCPPort is the default port for the JSON-RPC tool-dispatch endpoint.
	MCPPort = 5001

	// DefaultClaudeCommand is the assistant binary launched inside the PTY.
	DefaultClaudeCommand = "claude"

	// MCPBootstrapPath is where the assistant's MCP bootstrap config is
	// written once per session.
	MCPBootstrapPath = "/tmp/telepresence-mcp-v2.json"

	// ReadFileDefaultOffset/Limit mirror the tool catalog's read_file
	// defaults (§6 of the spec).
	ReadFileDefaultOffset = 0
	ReadFileDefaultLimit  = 2000

	// ReadFileMaxLineLength is where rendered lines are truncated.
	ReadFileMaxLineLength = 2000

	// MaxClosedFD is the upper bound of the inherited-FD range (>= 3) kept
	// out of the assistant. The PTY mediator performs no manual sweep and
	// does not read this constant; os/exec's close-on-exec handling covers it.
	MaxClosedFD = 256

	// URLFetchTimeout bounds the host gateway's download-url operation.
	URLFetchTimeout = 60 * time.Second

	// UserAgent is sent on every download-url HTTP request.
	UserAgent = "claude-telepresence/2.0"
)
