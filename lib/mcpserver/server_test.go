package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/nathanodle/claude-telepresence/lib/hostfs"
	"github.com/nathanodle/claude-telepresence/lib/relay"
)

type fakeEngine struct {
	files map[string][]byte
	exec  *relay.ExecResult
	stat  *relay.StatResult
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{files: map[string][]byte{}}
}

func (f *fakeEngine) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, trace.NotFound("no such file %s", path)
	}
	return data, nil
}

func (f *fakeEngine) WriteFile(ctx context.Context, path string, content []byte, mode uint16) error {
	f.files[path] = append([]byte(nil), content...)
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, command string) (*relay.ExecResult, error) {
	return f.exec, nil
}

func (f *fakeEngine) ListDir(ctx context.Context, path string) ([]relay.DirEntry, error) {
	return []relay.DirEntry{{Type: 'f', Name: "a.txt"}, {Type: 'd', Name: "sub"}}, nil
}

func (f *fakeEngine) Stat(ctx context.Context, path string) (*relay.StatResult, error) {
	return f.stat, nil
}

func (f *fakeEngine) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeEngine) Find(ctx context.Context, path, pattern string) ([]string, error) {
	return []string{"one.go", "two.go"}, nil
}

func (f *fakeEngine) Search(ctx context.Context, path, pattern, filePattern string) ([]relay.SearchMatch, error) {
	return []relay.SearchMatch{{LineNo: 3, Path: "a.go", Line: "match"}}, nil
}

func (f *fakeEngine) Mkdir(ctx context.Context, path string) error { return nil }

func (f *fakeEngine) Remove(ctx context.Context, path string) error { return nil }

func (f *fakeEngine) Move(ctx context.Context, src, dst string) error { return nil }

func (f *fakeEngine) Realpath(ctx context.Context, path string) (string, error) {
	return path, nil
}

func (f *fakeEngine) EditFile(ctx context.Context, path, oldString, newString string, replaceAll bool) error {
	if !replaceAll {
		return nil
	}
	f.files[path] = []byte(strings.ReplaceAll(string(f.files[path]), oldString, newString))
	return nil
}

type fakeCwd struct{ cwd string }

func (f fakeCwd) RemoteCwd() string { return f.cwd }

func newTestServer(eng *fakeEngine) *Server {
	s := NewServer(nil, nil)
	s.SetSession(&Session{Engine: eng, Cwd: fakeCwd{cwd: "/work"}})
	return s
}

func doRPC(t *testing.T, s *Server, method string, params any) map[string]any {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		pb, _ := json.Marshal(params)
		body["params"] = json.RawMessage(pb)
	}
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(buf))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestGetOnMCPIsMethodNotAllowed(t *testing.T) {
	s := newTestServer(newFakeEngine())
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(newFakeEngine())
	out := doRPC(t, s, "bogus", nil)
	errObj := out["error"].(map[string]any)
	require.Equal(t, float64(-32601), errObj["code"])
}

func TestInitializeEchoesSessionIDOnSubsequentCalls(t *testing.T) {
	s := newTestServer(newFakeEngine())

	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"})
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.NotEmpty(t, w.Header().Get("Mcp-Session-Id"))

	body2, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 2, "method": "ping"})
	req2 := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body2))
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req2)
	require.Equal(t, w.Header().Get("Mcp-Session-Id"), w2.Header().Get("Mcp-Session-Id"))
}

func TestToolsListReturnsSixteenTools(t *testing.T) {
	s := newTestServer(newFakeEngine())
	out := doRPC(t, s, "tools/list", nil)
	result := out["result"].(map[string]any)
	tools := result["tools"].([]any)
	require.Len(t, tools, 16)
}

func TestReadFileToolRendersLineNumbers(t *testing.T) {
	// scenario 2 of spec.md §8.
	eng := newFakeEngine()
	eng.files["/work/foo.txt"] = []byte("hello\nworld\n")
	s := newTestServer(eng)

	out := doRPC(t, s, "tools/call", map[string]any{"name": "read_file", "arguments": map[string]any{"path": "foo.txt"}})
	result := out["result"].(map[string]any)
	content := result["content"].([]any)[0].(map[string]any)
	require.Equal(t, "     1\thello\n     2\tworld\n     3\t", content["text"])
}

func TestReadFileMissingPathIsToolError(t *testing.T) {
	s := newTestServer(newFakeEngine())
	out := doRPC(t, s, "tools/call", map[string]any{"name": "read_file", "arguments": map[string]any{}})
	result := out["result"].(map[string]any)
	require.Equal(t, true, result["isError"])
}

func TestExecuteCommandRendersStderrAndExitStatus(t *testing.T) {
	// scenario 3 of spec.md §8.
	eng := newFakeEngine()
	eng.exec = &relay.ExecResult{
		Stdout:   []byte("ls: /nope: No such file"),
		Stderr:   []byte("error\n"),
		ExitCode: -1,
	}
	s := newTestServer(eng)

	out := doRPC(t, s, "tools/call", map[string]any{"name": "execute_command", "arguments": map[string]any{"command": "ls /nope"}})
	result := out["result"].(map[string]any)
	content := result["content"].([]any)[0].(map[string]any)
	require.Equal(t, "ls: /nope: No such file\n[stderr]\nerror\n\n[exit status: -1]", content["text"])
}

func TestWriteFileThenReadFileRoundTrips(t *testing.T) {
	eng := newFakeEngine()
	s := newTestServer(eng)

	doRPC(t, s, "tools/call", map[string]any{"name": "write_file", "arguments": map[string]any{"path": "a.txt", "content": "abc"}})
	out := doRPC(t, s, "tools/call", map[string]any{"name": "read_file", "arguments": map[string]any{"path": "a.txt"}})
	result := out["result"].(map[string]any)
	content := result["content"].([]any)[0].(map[string]any)
	require.Equal(t, "     1\tabc", content["text"])
}

func TestNoSessionYieldsClientNotConnected(t *testing.T) {
	s := NewServer(nil, nil)
	out := doRPC(t, s, "tools/call", map[string]any{"name": "get_cwd", "arguments": map[string]any{}})
	result := out["result"].(map[string]any)
	content := result["content"].([]any)[0].(map[string]any)
	require.Contains(t, content["text"], "client not connected")
}

func TestHealthzReflectsSessionState(t *testing.T) {
	s := NewServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.SetSession(&Session{Engine: newFakeEngine(), Cwd: fakeCwd{cwd: "/work"}})
	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
}

var _ hostfs.Engine = (*fakeEngine)(nil)
