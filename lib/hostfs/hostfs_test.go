package hostfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	files map[string][]byte
}

func newFakeEngine() *fakeEngine { return &fakeEngine{files: map[string][]byte{}} }

func (f *fakeEngine) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (f *fakeEngine) WriteFile(ctx context.Context, path string, content []byte, mode uint16) error {
	f.files[path] = append([]byte(nil), content...)
	return nil
}

func TestUploadToHostWritesConfinedFile(t *testing.T) {
	base := t.TempDir()
	gw, err := NewGateway(base, nil)
	require.NoError(t, err)

	err = gw.UploadToHost(filepath.Join(base, "sub", "x.txt"), []byte("hello"), false)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, "sub", "x.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestUploadToHostRejectsPathOutsideBase(t *testing.T) {
	// scenario 6 of spec.md §8.
	base := t.TempDir()
	gw, err := NewGateway(base, nil)
	require.NoError(t, err)

	err = gw.UploadToHost("/etc/passwd", []byte("x"), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be under")
}

func TestUploadToHostRefusesOverwriteByDefault(t *testing.T) {
	base := t.TempDir()
	gw, err := NewGateway(base, nil)
	require.NoError(t, err)

	target := filepath.Join(base, "x.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	err = gw.UploadToHost(target, []byte("new"), false)
	require.Error(t, err)

	require.NoError(t, gw.UploadToHost(target, []byte("new"), true))
	data, _ := os.ReadFile(target)
	require.Equal(t, "new", string(data))
}

func TestDownloadFromHostWritesToEngine(t *testing.T) {
	base := t.TempDir()
	gw, err := NewGateway(base, nil)
	require.NoError(t, err)

	hostFile := filepath.Join(base, "data.bin")
	require.NoError(t, os.WriteFile(hostFile, []byte("payload"), 0o644))

	engine := newFakeEngine()
	err = gw.DownloadFromHost(context.Background(), engine, hostFile, "/work/data.bin", false)
	require.NoError(t, err)
	require.Equal(t, "payload", string(engine.files["/work/data.bin"]))
}

func TestDownloadURLRewritesRelativePathToTmp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "claude-telepresence/2.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("fetched body"))
	}))
	defer srv.Close()

	base := t.TempDir()
	gw, err := NewGateway(base, nil)
	require.NoError(t, err)

	engine := newFakeEngine()
	err = gw.DownloadURL(context.Background(), engine, srv.URL, "report.txt")
	require.NoError(t, err)
	require.Equal(t, "fetched body", string(engine.files["/tmp/report.txt"]))
}

func TestDownloadURLKeepsAbsoluteDestination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	base := t.TempDir()
	gw, err := NewGateway(base, nil)
	require.NoError(t, err)

	engine := newFakeEngine()
	err = gw.DownloadURL(context.Background(), engine, srv.URL, "/work/report.txt")
	require.NoError(t, err)
	require.Contains(t, engine.files, "/work/report.txt")
}
