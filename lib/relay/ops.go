package relay

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
	"github.com/nathanodle/claude-telepresence/lib/wire"
)

// DirEntry is one row of a DIR_LIST result, spec.md §4.5.
type DirEntry struct {
	Type  byte // 'f', 'd', or 'l'
	Size  uint64
	Mtime uint64
	Name  string
}

// StatResult is the parsed FILE_STAT result.
type StatResult struct {
	Exists bool
	Type   byte
	Mode   uint32
	Size   uint64
	Mtime  uint64
}

// SearchMatch is one row of a FILE_SEARCH result.
type SearchMatch struct {
	LineNo uint32
	Path   string
	Line   string
}

// ExecResult is EXEC's demultiplexed stdout/stderr plus exit code. A
// non-zero exit code is not an error (spec.md §4.5).
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int32
}

const (
	execChannelStdout = 0x01
	execChannelStderr = 0x02
)

// Engine is the operation engine (C5): it opens typed streams, pushes
// outbound DATA where required, and parses the peer's result payload per
// the metadata table in spec.md §4.5.
type Engine struct {
	mux     *Multiplexer
	flow    *FlowController
	sender  PacketSender
	timeout time.Duration
}

// NewEngine builds an operation engine over mux/flow/sender. timeout <= 0
// uses defaults.StreamWaitTimeout.
func NewEngine(mux *Multiplexer, flow *FlowController, sender PacketSender, timeout time.Duration) *Engine {
	return &Engine{mux: mux, flow: flow, sender: sender, timeout: timeout}
}

func (e *Engine) wait(ctx context.Context, id uint32) (*StreamResult, error) {
	res, err := e.mux.WaitStream(ctx, id, e.timeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if res.Cancelled {
		return nil, trace.LimitExceeded("operation timed out waiting for remote client")
	}
	if res.Err != nil {
		return nil, trace.Wrap(res.Err.AsTrace())
	}
	return res, nil
}

func metaPath(path string) []byte {
	return wire.EncodeString(nil, path)
}

// ReadFile performs FILE_READ: metadata `path\0`, result is raw file bytes.
func (e *Engine) ReadFile(ctx context.Context, path string) ([]byte, error) {
	id, err := e.mux.OpenStream(StreamFileRead, metaPath(path))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := e.wait(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return res.Data, nil
}

// WriteFile performs FILE_WRITE: metadata `path\0 u16 mode`, outbound DATA
// in pieces no larger than 64KiB subject to flow control, then
// STREAM_END(OK) with no extra bytes to signal end-of-input. The peer's own
// END carries no extra bytes either way (spec.md §9 "FILE_WRITE
// acknowledgment") — success is reported based on what the initiator sent,
// not what the peer wrote.
//
// Each send asks the flow controller for at most one chunk's worth of
// credit and sends exactly what it grants, which may be less than asked
// for. A remote window smaller than ChunkSize (spec.md §8 scenario 5) would
// otherwise deadlock a caller that insists on reserving a whole chunk at
// once: the window can never grow past what the peer advertised, so the
// reservation would never fit.
func (e *Engine) WriteFile(ctx context.Context, path string, content []byte, mode uint16) error {
	meta := wire.EncodeString(nil, path)
	meta = wire.PutUint16(meta, mode)
	id, err := e.mux.OpenStream(StreamFileWrite, meta)
	if err != nil {
		return trace.Wrap(err)
	}

	for off := 0; off < len(content); {
		want := len(content) - off
		if want > defaults.ChunkSize {
			want = defaults.ChunkSize
		}
		got, err := e.flow.Reserve(ctx, want)
		if err != nil {
			return trace.Wrap(err)
		}
		chunk := content[off : off+got]
		payload := wire.PutUint32(nil, id)
		payload = append(payload, chunk...)
		if err := e.sender.SendPacket(wire.TypeStreamData, payload); err != nil {
			return trace.Wrap(err, "sending STREAM_DATA")
		}
		off += got
	}

	endPayload := wire.PutUint32(nil, id)
	endPayload = append(endPayload, StatusOK)
	if err := e.sender.SendPacket(wire.TypeStreamEnd, endPayload); err != nil {
		return trace.Wrap(err, "sending end-of-input STREAM_END")
	}

	_, err = e.wait(ctx, id)
	return trace.Wrap(err)
}

// Exec performs EXEC: metadata `command\0`; result is channel-tagged
// chunks, End.extra is `i32 exit_code`.
func (e *Engine) Exec(ctx context.Context, command string) (*ExecResult, error) {
	id, err := e.mux.OpenStream(StreamExec, metaPath(command))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := e.wait(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out := &ExecResult{}
	for _, chunk := range res.Chunks {
		if len(chunk) == 0 {
			continue
		}
		switch chunk[0] {
		case execChannelStdout:
			out.Stdout = append(out.Stdout, chunk[1:]...)
		case execChannelStderr:
			out.Stderr = append(out.Stderr, chunk[1:]...)
		}
	}
	if len(res.Extra) >= 4 {
		out.ExitCode = int32(beUint32(res.Extra))
	}
	return out, nil
}

// ListDir performs DIR_LIST: metadata `path\0`; result is repeated
// `u8 type u64 size u64 mtime name\0`.
func (e *Engine) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	id, err := e.mux.OpenStream(StreamDirList, metaPath(path))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := e.wait(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var entries []DirEntry
	buf := res.Data
	off := 0
	for off < len(buf) {
		if off+17 > len(buf) {
			break
		}
		entry := DirEntry{Type: buf[off]}
		entry.Size = beUint64(buf[off+1:])
		entry.Mtime = beUint64(buf[off+9:])
		name, newOff := wire.DecodeString(buf, off+17)
		entry.Name = name
		off = newOff
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stat performs FILE_STAT: metadata `path\0`; result is `u8 exists` then,
// if exists, `u8 type u32 mode u64 size u64 mtime`.
func (e *Engine) Stat(ctx context.Context, path string) (*StatResult, error) {
	id, err := e.mux.OpenStream(StreamFileStat, metaPath(path))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := e.wait(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	buf := res.Data
	if len(buf) == 0 || buf[0] == 0 {
		return &StatResult{Exists: false}, nil
	}
	st := &StatResult{Exists: true}
	if len(buf) < 1+1+4+8+8 {
		return st, nil
	}
	st.Type = buf[1]
	st.Mode = beUint32(buf[2:])
	st.Size = beUint64(buf[6:])
	st.Mtime = beUint64(buf[14:])
	return st, nil
}

// Exists performs FILE_EXISTS: metadata `path\0`; result is `u8 exists`.
func (e *Engine) Exists(ctx context.Context, path string) (bool, error) {
	id, err := e.mux.OpenStream(StreamFileExists, metaPath(path))
	if err != nil {
		return false, trace.Wrap(err)
	}
	res, err := e.wait(ctx, id)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return len(res.Data) > 0 && res.Data[0] != 0, nil
}

// Find performs FILE_FIND: metadata `path\0 pattern\0`; result is repeated
// `name\0`.
func (e *Engine) Find(ctx context.Context, path, pattern string) ([]string, error) {
	meta := wire.EncodeString(nil, path)
	meta = wire.EncodeString(meta, pattern)
	id, err := e.mux.OpenStream(StreamFileFind, meta)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := e.wait(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var names []string
	buf := res.Data
	off := 0
	for off < len(buf) {
		name, newOff := wire.DecodeString(buf, off)
		if newOff == off {
			break
		}
		names = append(names, name)
		off = newOff
	}
	return names, nil
}

// Search performs FILE_SEARCH: metadata `path\0 pattern\0 [file_pattern\0]`;
// result is repeated `u32 line_no path\0 line\0`.
func (e *Engine) Search(ctx context.Context, path, pattern, filePattern string) ([]SearchMatch, error) {
	meta := wire.EncodeString(nil, path)
	meta = wire.EncodeString(meta, pattern)
	if filePattern != "" {
		meta = wire.EncodeString(meta, filePattern)
	}
	id, err := e.mux.OpenStream(StreamFileSearch, meta)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := e.wait(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var matches []SearchMatch
	buf := res.Data
	off := 0
	for off+4 <= len(buf) {
		lineNo := beUint32(buf[off:])
		off += 4
		p, newOff := wire.DecodeString(buf, off)
		off = newOff
		line, newOff2 := wire.DecodeString(buf, off)
		off = newOff2
		matches = append(matches, SearchMatch{LineNo: lineNo, Path: p, Line: line})
	}
	return matches, nil
}

// Mkdir performs MKDIR: metadata `path\0`; no result payload.
func (e *Engine) Mkdir(ctx context.Context, path string) error {
	id, err := e.mux.OpenStream(StreamMkdir, metaPath(path))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = e.wait(ctx, id)
	return trace.Wrap(err)
}

// Remove performs REMOVE: metadata `path\0`; no result payload.
func (e *Engine) Remove(ctx context.Context, path string) error {
	id, err := e.mux.OpenStream(StreamRemove, metaPath(path))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = e.wait(ctx, id)
	return trace.Wrap(err)
}

// Move performs MOVE: metadata `src\0 dst\0`; no result payload.
func (e *Engine) Move(ctx context.Context, src, dst string) error {
	meta := wire.EncodeString(nil, src)
	meta = wire.EncodeString(meta, dst)
	id, err := e.mux.OpenStream(StreamMove, meta)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = e.wait(ctx, id)
	return trace.Wrap(err)
}

// Realpath performs REALPATH (supplemented op, SPEC_FULL.md §3): metadata
// `path\0`; result is `resolved_path\0`. Used by get_cwd to canonicalize
// a symlinked remote cwd server-side; the host gateway does not call it.
func (e *Engine) Realpath(ctx context.Context, path string) (string, error) {
	id, err := e.mux.OpenStream(StreamRealpath, metaPath(path))
	if err != nil {
		return "", trace.Wrap(err)
	}
	res, err := e.wait(ctx, id)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resolved, _ := wire.DecodeString(res.Data, 0)
	return resolved, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
