// Package mcpserver implements the tool dispatcher (C8): a JSON-RPC 2.0
// server over HTTP/1.1, bound to the loopback interface, that adapts tool
// calls from the locally-running assistant onto the operation engine and
// host file gateway.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
	"github.com/nathanodle/claude-telepresence/lib/hostfs"
	"github.com/nathanodle/claude-telepresence/lib/relay"
)

// OperationEngine is the subset of *relay.Engine the dispatcher calls.
// Declaring it locally lets tests substitute a fake without driving a real
// stream multiplexer end to end.
type OperationEngine interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, content []byte, mode uint16) error
	Exec(ctx context.Context, command string) (*relay.ExecResult, error)
	ListDir(ctx context.Context, path string) ([]relay.DirEntry, error)
	Stat(ctx context.Context, path string) (*relay.StatResult, error)
	Exists(ctx context.Context, path string) (bool, error)
	Find(ctx context.Context, path, pattern string) ([]string, error)
	Search(ctx context.Context, path, pattern, filePattern string) ([]relay.SearchMatch, error)
	Mkdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Move(ctx context.Context, src, dst string) error
	Realpath(ctx context.Context, path string) (string, error)
	EditFile(ctx context.Context, path, oldString, newString string, replaceAll bool) error
}

// HostGateway is the subset of *hostfs.Gateway the dispatcher calls.
type HostGateway interface {
	UploadToHost(hostPath string, content []byte, overwrite bool) error
	DownloadFromHost(ctx context.Context, engine hostfs.Engine, hostPath, remotePath string, overwrite bool) error
	DownloadURL(ctx context.Context, engine hostfs.Engine, url, destPath string) error
}

// CwdProvider reports the remote client's advertised working directory.
type CwdProvider interface {
	RemoteCwd() string
}

// Session bundles one connected client's engine, gateway, and cwd for the
// dispatcher.
type Session struct {
	Engine  OperationEngine
	Gateway HostGateway
	Cwd     CwdProvider
}

// Server implements C8 plus the ambient /metrics and /healthz endpoints of
// SPEC_FULL.md §6.
type Server struct {
	log *logrus.Entry

	mu      sync.RWMutex
	session *Session

	sessionID atomic.Value // string
	metrics   http.Handler
}

// NewServer builds a dispatcher with no client connected yet; call
// SetSession once a relay Session completes its handshake.
func NewServer(log *logrus.Entry, metricsHandler http.Handler) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{log: log.WithField("component", "mcp"), metrics: metricsHandler}
	s.sessionID.Store("")
	return s
}

// SetSession installs the active client's engine/gateway/cwd, or clears it
// with nil when the client disconnects.
func (s *Server) SetSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
}

func (s *Server) currentSession() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Handler returns the http.Handler to mount on the loopback listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.currentSession() == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no client connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, errorResponse(nil, codeInvalidParams, "malformed JSON-RPC request"))
		return
	}

	resp := s.dispatch(r.Context(), req)
	if id := s.sessionID.Load().(string); id != "" {
		w.Header().Set("Mcp-Session-Id", id)
	}
	s.writeResponse(w, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "initialize":
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		s.sessionID.Store(id)
		return resultResponse(req.ID, initializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      serverInfo{Name: "claude-telepresence", Version: defaults.UserAgent},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "initialized":
		return resultResponse(req.ID, map[string]any{})
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return resultResponse(req.ID, toolsListResult{Tools: catalog()})
	case "tools/call":
		return s.dispatchToolCall(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) dispatchToolCall(ctx context.Context, req Request) Response {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid tools/call params")
	}

	sess := s.currentSession()
	if sess == nil {
		return resultResponse(req.ID, errorResult("client not connected"))
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid tool arguments")
		}
	}

	result, err := s.callTool(ctx, sess, params.Name, args)
	if err != nil {
		return resultResponse(req.ID, errorResult(err.Error()))
	}
	return resultResponse(req.ID, result)
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func argInt(args map[string]any, key string, def int) int {
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	return int(v)
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func (s *Server) resolve(sess *Session, p string) string {
	cwd := "."
	if sess.Cwd != nil {
		cwd = sess.Cwd.RemoteCwd()
	}
	return relay.ResolvePath(cwd, p)
}

// callTool binds one named tool onto the operation engine or host gateway
// and renders its result, per spec.md §4.8's catalog and §6's argument
// shapes.
func (s *Server) callTool(ctx context.Context, sess *Session, name string, args map[string]any) (ToolCallResult, error) {
	eng := sess.Engine
	switch name {
	case "get_cwd":
		cwd := "."
		if sess.Cwd != nil {
			cwd = sess.Cwd.RemoteCwd()
		}
		if resolved, err := eng.Realpath(ctx, cwd); err == nil {
			cwd = resolved
		}
		return textResult(cwd), nil

	case "read_file":
		path, ok := argString(args, "path")
		if !ok {
			return ToolCallResult{}, trace.BadParameter("path is required")
		}
		offset := argInt(args, "offset", defaults.ReadFileDefaultOffset)
		limit := argInt(args, "limit", defaults.ReadFileDefaultLimit)
		data, err := eng.ReadFile(ctx, s.resolve(sess, path))
		if err != nil {
			return ToolCallResult{}, err
		}
		return textResult(renderReadFile(data, offset, limit)), nil

	case "write_file":
		path, ok := argString(args, "path")
		content, okC := argString(args, "content")
		if !ok || !okC {
			return ToolCallResult{}, trace.BadParameter("path and content are required")
		}
		if err := eng.WriteFile(ctx, s.resolve(sess, path), []byte(content), 0o644); err != nil {
			return ToolCallResult{}, err
		}
		return textResult("wrote " + strconv.Itoa(len(content)) + " bytes to " + path), nil

	case "edit_file":
		path, ok := argString(args, "path")
		oldStr, okO := argString(args, "old_string")
		newStr, okN := argString(args, "new_string")
		if !ok || !okO || !okN {
			return ToolCallResult{}, trace.BadParameter("path, old_string, and new_string are required")
		}
		if err := eng.EditFile(ctx, s.resolve(sess, path), oldStr, newStr, argBool(args, "replace_all")); err != nil {
			return ToolCallResult{}, err
		}
		return textResult("edited " + path), nil

	case "list_directory":
		path, _ := argString(args, "path")
		if path == "" {
			path = "."
		}
		entries, err := eng.ListDir(ctx, s.resolve(sess, path))
		if err != nil {
			return ToolCallResult{}, err
		}
		return textResult(renderListDir(entries)), nil

	case "file_info":
		path, ok := argString(args, "path")
		if !ok {
			return ToolCallResult{}, trace.BadParameter("path is required")
		}
		st, err := eng.Stat(ctx, s.resolve(sess, path))
		if err != nil {
			return ToolCallResult{}, err
		}
		return textResult(renderFileInfo(st)), nil

	case "file_exists":
		path, ok := argString(args, "path")
		if !ok {
			return ToolCallResult{}, trace.BadParameter("path is required")
		}
		exists, err := eng.Exists(ctx, s.resolve(sess, path))
		if err != nil {
			return ToolCallResult{}, err
		}
		return textResult(strconv.FormatBool(exists)), nil

	case "search_files":
		pattern, okP := argString(args, "pattern")
		path, okD := argString(args, "path")
		if !okP || !okD {
			return ToolCallResult{}, trace.BadParameter("pattern and path are required")
		}
		filePattern, _ := argString(args, "file_pattern")
		matches, err := eng.Search(ctx, s.resolve(sess, path), pattern, filePattern)
		if err != nil {
			return ToolCallResult{}, err
		}
		return textResult(renderSearch(matches)), nil

	case "find_files":
		pattern, ok := argString(args, "pattern")
		if !ok {
			return ToolCallResult{}, trace.BadParameter("pattern is required")
		}
		path, _ := argString(args, "path")
		if path == "" {
			path = "."
		}
		names, err := eng.Find(ctx, s.resolve(sess, path), pattern)
		if err != nil {
			return ToolCallResult{}, err
		}
		return textResult(renderFind(names)), nil

	case "execute_command":
		command, ok := argString(args, "command")
		if !ok {
			return ToolCallResult{}, trace.BadParameter("command is required")
		}
		res, err := eng.Exec(ctx, command)
		if err != nil {
			return ToolCallResult{}, err
		}
		return textResult(renderExec(res)), nil

	case "make_directory":
		path, ok := argString(args, "path")
		if !ok {
			return ToolCallResult{}, trace.BadParameter("path is required")
		}
		if err := eng.Mkdir(ctx, s.resolve(sess, path)); err != nil {
			return ToolCallResult{}, err
		}
		return textResult("created " + path), nil

	case "remove_file":
		path, ok := argString(args, "path")
		if !ok {
			return ToolCallResult{}, trace.BadParameter("path is required")
		}
		if err := eng.Remove(ctx, s.resolve(sess, path)); err != nil {
			return ToolCallResult{}, err
		}
		return textResult("removed " + path), nil

	case "move_file":
		src, okS := argString(args, "source")
		dst, okD := argString(args, "destination")
		if !okS || !okD {
			return ToolCallResult{}, trace.BadParameter("source and destination are required")
		}
		if err := eng.Move(ctx, s.resolve(sess, src), s.resolve(sess, dst)); err != nil {
			return ToolCallResult{}, err
		}
		return textResult("moved " + src + " to " + dst), nil

	case "download_url":
		url, okU := argString(args, "url")
		path, okP := argString(args, "path")
		if !okU || !okP {
			return ToolCallResult{}, trace.BadParameter("url and path are required")
		}
		if sess.Gateway == nil {
			return ToolCallResult{}, trace.BadParameter("host gateway not configured")
		}
		if err := sess.Gateway.DownloadURL(ctx, eng, url, path); err != nil {
			return ToolCallResult{}, err
		}
		return textResult("downloaded " + url + " to " + path), nil

	case "upload_to_host":
		remotePath, okR := argString(args, "remote_path")
		hostPath, okH := argString(args, "host_path")
		if !okR || !okH {
			return ToolCallResult{}, trace.BadParameter("remote_path and host_path are required")
		}
		if sess.Gateway == nil {
			return ToolCallResult{}, trace.BadParameter("host gateway not configured")
		}
		data, err := eng.ReadFile(ctx, s.resolve(sess, remotePath))
		if err != nil {
			return ToolCallResult{}, err
		}
		if err := sess.Gateway.UploadToHost(hostPath, data, argBool(args, "overwrite")); err != nil {
			return ToolCallResult{}, err
		}
		return textResult("uploaded " + remotePath + " to " + hostPath), nil

	case "download_from_host":
		hostPath, okH := argString(args, "host_path")
		remotePath, okR := argString(args, "remote_path")
		if !okH || !okR {
			return ToolCallResult{}, trace.BadParameter("host_path and remote_path are required")
		}
		if sess.Gateway == nil {
			return ToolCallResult{}, trace.BadParameter("host gateway not configured")
		}
		if err := sess.Gateway.DownloadFromHost(ctx, eng, hostPath, s.resolve(sess, remotePath), argBool(args, "overwrite")); err != nil {
			return ToolCallResult{}, err
		}
		return textResult("downloaded " + hostPath + " to " + remotePath), nil

	default:
		return ToolCallResult{}, trace.BadParameter("unknown tool %q", name)
	}
}
