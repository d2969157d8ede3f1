// Package hostfs implements the host file gateway (C7): confined
// upload/download between the relay's own filesystem and the remote
// client, plus a download-url helper that fetches over HTTP(S) and writes
// the result to the remote via the operation engine.
package hostfs

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
)

// Engine is whatever can perform the remote-side FILE_READ/FILE_WRITE the
// gateway needs; lib/relay.Engine satisfies it without hostfs importing
// lib/relay directly (avoiding an import cycle, since lib/relay has no
// reason to depend on the host gateway).
type Engine interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, content []byte, mode uint16) error
}

// Gateway confines every host-path operation to descendants of base.
type Gateway struct {
	base string
	log  *logrus.Entry

	httpClient *http.Client
}

// NewGateway resolves base (expanding "~") to an absolute path and returns
// a Gateway confined to it.
func NewGateway(base string, log *logrus.Entry) (*Gateway, error) {
	resolved, err := expandAndAbs(base)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gateway{
		base: resolved,
		log:  log.WithField("component", "hostfs"),
		httpClient: &http.Client{
			Timeout: defaults.URLFetchTimeout,
		},
	}, nil
}

func expandAndAbs(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", trace.Wrap(err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return filepath.Clean(abs), nil
}

// resolve expands and confines p to the gateway's base directory. It
// rejects any resolved path that is not a descendant of base, per
// spec.md §4.7.
func (g *Gateway) resolve(p string) (string, error) {
	abs, err := expandAndAbs(p)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if abs != g.base && !strings.HasPrefix(abs, g.base+string(filepath.Separator)) {
		return "", trace.BadParameter("Host path must be under %s", g.base)
	}
	return abs, nil
}

// UploadToHost copies remote bytes (already read by the caller via the
// operation engine) to a confined host path. Overwrite requires an
// explicit flag; default is refuse-if-exists.
func (g *Gateway) UploadToHost(hostPath string, content []byte, overwrite bool) error {
	resolved, err := g.resolve(hostPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if !overwrite {
		if _, err := os.Stat(resolved); err == nil {
			return trace.AlreadyExists("host path %s already exists; pass overwrite to replace it", resolved)
		}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(resolved, content, 0o644); err != nil {
		return trace.Wrap(err)
	}
	g.log.WithField("path", resolved).Info("uploaded to host")
	return nil
}

// ReadFromHost reads a confined host path's bytes for download-from-host.
func (g *Gateway) ReadFromHost(hostPath string) ([]byte, error) {
	resolved, err := g.resolve(hostPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("host path %s not found", resolved)
		}
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// DownloadFromHost writes a confined host file's bytes to the remote via
// engine, honoring overwrite semantics on the remote side first.
func (g *Gateway) DownloadFromHost(ctx context.Context, engine Engine, hostPath, remotePath string, overwrite bool) error {
	data, err := g.ReadFromHost(hostPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if !overwrite {
		if existing, err := engine.ReadFile(ctx, remotePath); err == nil && existing != nil {
			return trace.AlreadyExists("remote path %s already exists; pass overwrite to replace it", remotePath)
		}
	}
	return trace.Wrap(engine.WriteFile(ctx, remotePath, data, 0o644))
}

// DownloadURL fetches url with the host's TLS stack and writes the body to
// the remote via engine. Relative destination paths are rewritten to
// /tmp/<name> rather than the remote cwd, per spec.md §4.7.
func (g *Gateway) DownloadURL(ctx context.Context, engine Engine, url, destPath string) error {
	if !strings.HasPrefix(destPath, "/") {
		destPath = "/tmp/" + filepath.Base(destPath)
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaults.URLFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return trace.BadParameter("invalid url %q: %v", url, err)
	}
	req.Header.Set("User-Agent", defaults.UserAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "fetching %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return trace.ConnectionProblem(nil, "fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(engine.WriteFile(ctx, destPath, body, 0o644))
}
