// Package relay implements the core of the protocol: the transport session
// handshake, the credit-based flow controller, the stream multiplexer, the
// typed operation engine, and the PTY mediator (components C2-C6 of
// SPEC_FULL.md).
package relay

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
	"github.com/nathanodle/claude-telepresence/lib/wire"
)

// peer_flags bits, spec.md §3.
const (
	FlagResume byte = 1 << 0
	FlagSimple byte = 1 << 1
)

// Session is one TCP connection's worth of state, destroyed on disconnect
// (spec.md §3). It implements PacketSender so the multiplexer and engine
// can send packets through its single send lock.
type Session struct {
	conn net.Conn
	br   *bufio.Reader

	log *logrus.Entry

	sendMu sync.Mutex

	protocolVersion byte
	peerFlags       byte
	remoteCwd       string
	remoteWindow    uint32

	Flow   *FlowController
	Mux    *Multiplexer
	Engine *Engine
	PTY    *PTYMediator

	metrics *Metrics

	claudeCmd string
	resumeCLI bool

	inputCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Config configures a Session before it accepts its one client.
type Config struct {
	ClaudeCommand string
	// Resume is the operator's --resume CLI flag. It is independent of the
	// wire handshake's peer_flags (SPEC_FULL.md §4.9): either one alone is
	// enough to launch the assistant with its own resume option.
	Resume  bool
	Metrics *Metrics
	Log     *logrus.Entry
}

// NewSession wraps an accepted TCP connection, disabling Nagle's algorithm
// per spec.md §4.2.
func NewSession(conn net.Conn, cfg Config) *Session {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		conn:      conn,
		br:        bufio.NewReader(conn),
		log:       log.WithField("component", "relay"),
		claudeCmd: cfg.ClaudeCommand,
		resumeCLI: cfg.Resume,
		metrics:   cfg.Metrics,
		inputCh:   make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

// SendPacket implements PacketSender: the single lock that keeps headers
// and payloads from interleaving on the wire (spec.md §5).
func (s *Session) SendPacket(t wire.Type, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := wire.EncodePacket(s.conn, t, payload); err != nil {
		return trace.Wrap(err)
	}
	s.metrics.observeSent(t)
	return nil
}

// Handshake performs the HELLO/HELLO_ACK exchange of spec.md §4.2. It must
// be called before Run.
func (s *Session) Handshake() error {
	pkt, err := wire.DecodePacket(s.br)
	if err != nil {
		return trace.Wrap(err, "reading HELLO")
	}
	if pkt.Type != wire.TypeHello || len(pkt.Payload) < 6 {
		return trace.BadParameter("expected HELLO with payload >= 6 bytes, got %s (%d bytes)", pkt.Type, len(pkt.Payload))
	}

	version := pkt.Payload[0]
	flags := pkt.Payload[1]
	window := binary.BigEndian.Uint32(pkt.Payload[2:6])
	cwd, _ := wire.DecodeString(pkt.Payload, 6)

	if version != defaults.ProtocolVersion {
		_ = s.SendPacket(wire.TypeGoodbye, []byte("PROTOCOL_ERROR"))
		_ = s.conn.Close()
		return trace.BadParameter("unsupported protocol version %d", version)
	}

	s.protocolVersion = version
	s.peerFlags = flags
	s.remoteWindow = window
	s.remoteCwd = cwd

	// HELLO_ACK is only 6 bytes on the wire (version, flags, window) even
	// though the original design called for 4 reserved trailing bytes —
	// spec.md §9 records this as a known, intentionally-preserved
	// asymmetry that peers must tolerate, not a bug to fix here.
	ack := []byte{defaults.ProtocolVersion, 0}
	ack = wire.PutUint32(ack, defaults.InitialWindow)
	if err := s.SendPacket(wire.TypeHelloAck, ack); err != nil {
		return trace.Wrap(err, "sending HELLO_ACK")
	}

	s.Flow = NewFlowController(int(s.remoteWindow))
	s.Flow.SetMetrics(s.metrics)
	s.Mux = NewMultiplexer(s)
	s.Mux.SetMetrics(s.metrics)
	s.Engine = NewEngine(s.Mux, s.Flow, s, defaults.StreamWaitTimeout)
	s.log.WithFields(logrus.Fields{
		"remote_cwd":    cwd,
		"remote_window": window,
		"resume":        flags&FlagResume != 0,
	}).Info("handshake complete")
	return nil
}

// RemoteCwd reports the working directory the remote client advertised.
func (s *Session) RemoteCwd() string { return s.remoteCwd }

// ResumeRequested reports whether peer_flags bit 0 was set.
func (s *Session) ResumeRequested() bool { return s.peerFlags&FlagResume != 0 }

// SimpleMode reports whether peer_flags bit 1 was set.
func (s *Session) SimpleMode() bool { return s.peerFlags&FlagSimple != 0 }

// Run spawns the assistant inside a PTY and drives the four concurrent
// activities of spec.md §5 (inbound reader, PTY->peer forwarder,
// terminal-input applier, tool-call handlers run out-of-band by the MCP
// server) until the peer disconnects or sends GOODBYE.
func (s *Session) Run(ctx context.Context, mcpURL string) error {
	s.PTY = NewPTYMediator(s.log)
	rows, cols := defaultSize()
	if err := s.PTY.Start(PTYConfig{
		Command: s.claudeCmd,
		Resume:  s.resumeCLI || s.ResumeRequested(),
		MCPURL:  mcpURL,
		Rows:    rows,
		Cols:    cols,
	}); err != nil {
		return trace.Wrap(err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.ptyForwardLoop(ctx) }()
	go func() { defer wg.Done(); s.inputApplyLoop(ctx) }()
	go func() {
		defer wg.Done()
		if err := s.readLoop(ctx); err != nil {
			s.log.WithError(err).Warn("session reader exiting")
		}
		s.shutdown("peer disconnected")
	}()

	wg.Wait()
	return nil
}

// readLoop demultiplexes inbound packets by type (spec.md §4.2, §4.4).
func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		default:
		}

		pkt, err := wire.DecodePacket(s.br)
		if err != nil {
			return trace.Wrap(err)
		}
		s.metrics.observeReceived(pkt.Type)

		switch pkt.Type {
		case wire.TypeGoodbye:
			s.shutdown("GOODBYE received")
			return nil
		case wire.TypePing:
			_ = s.SendPacket(wire.TypePong, pkt.Payload)
		case wire.TypePong:
			// liveness only; nothing to do.
		case wire.TypeWindowUpdate:
			if len(pkt.Payload) >= 4 {
				s.Flow.OnWindowUpdate(int(binary.BigEndian.Uint32(pkt.Payload)))
			}
		case wire.TypeTermInput:
			s.chargeInboundWindow(len(pkt.Payload))
			select {
			case s.inputCh <- pkt.Payload:
			case <-s.closed:
				return nil
			}
		case wire.TypeTermResize:
			if len(pkt.Payload) >= 4 {
				rows := binary.BigEndian.Uint16(pkt.Payload[0:2])
				cols := binary.BigEndian.Uint16(pkt.Payload[2:4])
				if err := s.PTY.Resize(rows, cols); err != nil {
					s.log.WithError(err).Warn("pty resize failed")
				}
			}
		case wire.TypeStreamData:
			n := s.Mux.HandleData(pkt.Payload)
			s.chargeInboundWindow(n)
		case wire.TypeStreamEnd:
			s.Mux.HandleEnd(pkt.Payload)
		case wire.TypeStreamError:
			s.Mux.HandleError(pkt.Payload)
		case wire.TypeStreamCancel, wire.TypeStreamOpen:
			// Reserved for remote-initiated streams on odd ids; this
			// relay only ever initiates streams itself (spec.md §3), so
			// these are logged and dropped rather than acted on.
			s.log.WithField("type", pkt.Type.String()).Debug("ignoring peer-initiated stream control packet")
		default:
			s.log.WithField("type", fmt.Sprintf("0x%02x", byte(pkt.Type))).Warn("unknown packet type")
		}
	}
}

// chargeInboundWindow applies n freshly-consumed bytes to the inbound
// accumulator and emits WINDOW_UPDATE once the threshold is crossed
// (spec.md §4.3).
func (s *Session) chargeInboundWindow(n int) {
	inc, send := s.Flow.OnDataConsumed(n, defaults.WindowUpdateThreshold)
	if send {
		_ = s.SendPacket(wire.TypeWindowUpdate, wire.PutUint32(nil, uint32(inc)))
	}
}

// ptyForwardLoop reads the PTY master in up-to-64KiB reads and emits each
// read as one or more TERM_OUTPUT packets, subject to flow control. A read
// larger than the peer's currently available window credit is split into
// pieces the controller actually grants rather than reserved as one atomic
// block, so a peer advertising a window smaller than a single read still
// makes progress (spec.md §8 scenario 5) instead of stalling forever. The
// blocking master read is isolated here rather than in the inbound reader's
// goroutine, per the "dedicated OS thread" design note of spec.md §9.
func (s *Session) ptyForwardLoop(ctx context.Context) {
	buf := make([]byte, defaults.ChunkSize)
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		n, err := s.PTY.Read(buf)
		if err != nil {
			s.shutdown("pty closed")
			return
		}
		if n == 0 {
			continue
		}
		for sent := 0; sent < n; {
			got, err := s.Flow.Reserve(ctx, n-sent)
			if err != nil {
				return
			}
			if err := s.SendPacket(wire.TypeTermOutput, buf[sent:sent+got]); err != nil {
				s.log.WithError(err).Warn("failed to forward pty output")
				return
			}
			sent += got
		}
	}
}

// inputApplyLoop is the dedicated terminal-input applier of spec.md §5: it
// drains queued TERM_INPUT payloads and writes them verbatim to the PTY
// master, decoupled from the inbound packet reader so a slow PTY write
// never stalls stream-packet dispatch.
func (s *Session) inputApplyLoop(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case data := <-s.inputCh:
			if err := s.PTY.Write(data); err != nil {
				s.log.WithError(err).Warn("failed to apply terminal input")
			}
		}
	}
}

// shutdown performs the ordering spec.md §9 requires: resolve every
// pending stream future as cancelled *before* tearing down the assistant
// process, so no tool call blocks forever on a dead PTY.
func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.log.WithField("reason", reason).Info("shutting down session")
		if s.Mux != nil {
			s.Mux.CancelAll()
		}
		if s.Flow != nil {
			s.Flow.Close()
		}
		if s.PTY != nil {
			_ = s.PTY.Close()
		}
		_ = s.conn.Close()
		close(s.closed)
	})
}

// Close triggers an orderly shutdown from outside the session (e.g. on
// process SIGINT).
func (s *Session) Close() {
	s.shutdown("local close")
}

// Done reports the channel closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// waitDone blocks until shutdown or the given timeout, used by tests.
func (s *Session) waitDone(timeout time.Duration) bool {
	select {
	case <-s.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}
