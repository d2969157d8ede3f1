package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
	"github.com/nathanodle/claude-telepresence/lib/wire"
)

// StreamType is the u8 stream-type byte sent in STREAM_OPEN, spec.md §3.
type StreamType byte

const (
	StreamFileRead   StreamType = 0x01
	StreamFileWrite  StreamType = 0x02
	StreamExec       StreamType = 0x03
	StreamDirList    StreamType = 0x04
	StreamFileStat   StreamType = 0x05
	StreamFileFind   StreamType = 0x06
	StreamFileSearch StreamType = 0x07
	StreamMkdir      StreamType = 0x08
	StreamRemove     StreamType = 0x09
	StreamMove       StreamType = 0x0A
	StreamFileExists StreamType = 0x0B
	StreamRealpath   StreamType = 0x0C
)

// Status codes carried in STREAM_END, spec.md §3.
const (
	StatusOK        byte = 0x00
	StatusError     byte = 0x01
	StatusCancelled byte = 0x02
)

// PacketSender is implemented by the transport session: one send lock
// serializes every packet write so headers and payloads never interleave
// (spec.md §5, "a single send lock serializes writes to the TCP socket").
type PacketSender interface {
	SendPacket(t wire.Type, payload []byte) error
}

// StreamResult is what WaitStream returns once a stream's completion
// resolves, one of: ok (status+extra), error (StreamError), or cancelled.
// Data and Chunks are filled in by WaitStream from the stream's
// accumulated DATA before it forgets the registry entry: Data is the
// concatenation every non-EXEC caller wants, Chunks preserves packet
// boundaries for EXEC's channel demultiplexing.
type StreamResult struct {
	Status    byte
	Extra     []byte
	Err       *StreamError
	Cancelled bool
	Data      []byte
	Chunks    [][]byte
}

// stream is the multiplexer's bookkeeping for one in-flight operation.
type stream struct {
	id         uint32
	streamType StreamType

	mu       sync.Mutex
	chunks   [][]byte
	resolved bool
	result   StreamResult
	done     chan struct{}
}

func newStream(id uint32, t StreamType) *stream {
	return &stream{id: id, streamType: t, done: make(chan struct{})}
}

func (s *stream) appendChunk(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return // DATA after END/ERROR is silently dropped, spec.md §4.4
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.chunks = append(s.chunks, cp)
}

func (s *stream) resolve(r StreamResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return // at most one END/ERROR per id, spec.md §3 invariant
	}
	s.resolved = true
	s.result = r
	close(s.done)
}

// Concat returns every DATA chunk concatenated, for operations that don't
// need channel demultiplexing.
func (s *stream) Concat() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// Chunks returns the raw ordered chunk list, preserving packet boundaries —
// EXEC needs this to demultiplex its channel-tagged chunks.
func (s *stream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Multiplexer allocates stream ids, routes inbound STREAM_DATA/END/ERROR to
// the waiting operation, and preserves chunk boundaries for callers (EXEC)
// that need them. Mutated only from the session's inbound-packet dispatch
// path plus whichever goroutine opens a stream; a mutex protects it since
// Go's idiomatic concurrency model is goroutines, not a single event-loop
// thread (REDESIGN FLAG, SPEC_FULL.md §9).
type Multiplexer struct {
	sender PacketSender

	mu      sync.Mutex
	nextID  uint32
	streams map[uint32]*stream

	metrics *Metrics
}

// NewMultiplexer builds a multiplexer that sends STREAM_OPEN/STREAM_CANCEL
// packets through sender.
func NewMultiplexer(sender PacketSender) *Multiplexer {
	return &Multiplexer{
		sender:  sender,
		streams: make(map[uint32]*stream),
	}
}

// SetMetrics attaches the collectors OpenStream/forget report streams_open
// through. Left nil, those reports are simply skipped.
func (m *Multiplexer) SetMetrics(metrics *Metrics) {
	m.mu.Lock()
	m.metrics = metrics
	m.mu.Unlock()
}

// OpenStream allocates the next even id, registers the stream, and emits
// STREAM_OPEN with payload `u32 id | u8 type | metadata`.
func (m *Multiplexer) OpenStream(t StreamType, metadata []byte) (uint32, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID += 2
	s := newStream(id, t)
	m.streams[id] = s
	metrics := m.metrics
	m.mu.Unlock()
	metrics.streamOpened()

	payload := wire.PutUint32(nil, id)
	payload = append(payload, byte(t))
	payload = append(payload, metadata...)
	if err := m.sender.SendPacket(wire.TypeStreamOpen, payload); err != nil {
		return 0, trace.Wrap(err, "sending STREAM_OPEN")
	}
	return id, nil
}

// streamByID looks a stream up without removing it; removal only happens
// once its result has been consumed by WaitStream, keeping "retire on
// resolve, not on lookup" a single code path.
func (m *Multiplexer) streamByID(id uint32) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

// HandleData dispatches an inbound STREAM_DATA payload: `u32 id | data`.
// It returns the number of data bytes consumed (for inbound flow-control
// accounting, charged uniformly by the session regardless of whether the
// id is still live).
func (m *Multiplexer) HandleData(payload []byte) int {
	if len(payload) < 4 {
		return 0
	}
	id := beUint32(payload)
	data := payload[4:]
	if s := m.streamByID(id); s != nil {
		s.appendChunk(data)
	}
	return len(data)
}

// HandleEnd dispatches `u32 id | u8 status | extra`.
func (m *Multiplexer) HandleEnd(payload []byte) {
	if len(payload) < 5 {
		return
	}
	id := beUint32(payload)
	status := payload[4]
	extra := payload[5:]
	if s := m.streamByID(id); s != nil {
		s.resolve(StreamResult{Status: status, Extra: extra})
	}
}

// HandleError dispatches `u32 id | u8 error_code | NUL-terminated message`.
func (m *Multiplexer) HandleError(payload []byte) {
	if len(payload) < 5 {
		return
	}
	id := beUint32(payload)
	code := ErrorKind(payload[4])
	msg, _ := wire.DecodeString(payload, 5)
	if s := m.streamByID(id); s != nil {
		s.resolve(StreamResult{Status: StatusError, Err: &StreamError{Kind: code, Message: msg}})
	}
}

// WaitStream blocks until id's completion resolves or timeout elapses. On
// timeout it sends STREAM_CANCEL and returns a cancelled result. Exactly
// one of (completion, timeout-cancel, ctx-cancel) resolves the waiter,
// satisfying invariant 5 of spec.md §8.
func (m *Multiplexer) WaitStream(ctx context.Context, id uint32, timeout time.Duration) (*StreamResult, error) {
	s := m.streamByID(id)
	if s == nil {
		return nil, trace.NotFound("no such stream %d", id)
	}
	if timeout <= 0 {
		timeout = defaults.StreamWaitTimeout
	}

	select {
	case <-s.done:
		s.mu.Lock()
		r := s.result
		s.mu.Unlock()
		r.Data = s.Concat()
		r.Chunks = s.Chunks()
		m.forget(id)
		return &r, nil
	case <-time.After(timeout):
		_ = m.CancelStream(id)
		s.resolve(StreamResult{Status: StatusCancelled, Cancelled: true})
		r := StreamResult{Status: StatusCancelled, Cancelled: true, Data: s.Concat(), Chunks: s.Chunks()}
		m.forget(id)
		return &r, nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// forget drops a resolved stream's registry entry; its id is never reused
// (spec.md §3 invariant), so nothing else can look it up afterward.
func (m *Multiplexer) forget(id uint32) {
	m.mu.Lock()
	_, existed := m.streams[id]
	delete(m.streams, id)
	metrics := m.metrics
	m.mu.Unlock()
	if existed {
		metrics.streamClosed()
	}
}

// CancelStream emits STREAM_CANCEL for id. The peer's response is advisory:
// it may still emit an END or ERROR later, which is dropped because the id
// has already resolved (spec.md §5, "Cancellation").
func (m *Multiplexer) CancelStream(id uint32) error {
	payload := wire.PutUint32(nil, id)
	return m.sender.SendPacket(wire.TypeStreamCancel, payload)
}

// CancelAll resolves every unresolved stream as cancelled. Called on
// GOODBYE/EOF shutdown, before the assistant process is torn down, per the
// shutdown-ordering design note in spec.md §9.
func (m *Multiplexer) CancelAll() {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.resolve(StreamResult{Status: StatusCancelled, Cancelled: true})
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
