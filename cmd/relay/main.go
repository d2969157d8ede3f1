// Command relay is the claude-telepresence relay: it accepts one remote
// client at a time over TCP, spawns an AI coding assistant inside a PTY,
// and bridges the two over the binary multiplexed protocol, while serving
// the assistant's own tool calls over a loopback JSON-RPC endpoint
// (SPEC_FULL.md §4.9 C9).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
	"github.com/nathanodle/claude-telepresence/lib/hostfs"
	"github.com/nathanodle/claude-telepresence/lib/logutils"
	"github.com/nathanodle/claude-telepresence/lib/mcpserver"
	"github.com/nathanodle/claude-telepresence/lib/relay"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Bridge a local AI coding assistant to a remote legacy Unix client",
		RunE:  runRelay,
	}
	cmd.Flags().String("host", defaults.RelayHost, "address the TCP transport listener binds to")
	cmd.Flags().Int("port", defaults.RelayPort, "TCP port the remote client connects to")
	cmd.Flags().Int("mcp-port", defaults.MCPPort, "loopback port for the tool-dispatch JSON-RPC endpoint")
	cmd.Flags().String("claude", defaults.DefaultClaudeCommand, "assistant binary to launch inside the PTY")
	cmd.Flags().String("config", "", "optional YAML config file; CLI flags override its values")
	cmd.Flags().Bool("resume", false, "launch the assistant with its own resume option")
	cmd.Flags().String("log-level", "info", "logrus level: trace, debug, info, warning, error")
	cmd.Flags().Bool("log-json", false, "emit JSON-formatted logs instead of text")
	cmd.Flags().String("hostfs-base", "", "confinement root for upload_to_host/download_from_host (default: current directory)")
	return cmd
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return trace.Wrap(err)
	}

	root := logutils.Initialize(logutils.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	log := root.WithField("component", "main")

	metrics := relay.NewMetrics()
	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})

	gateway, err := hostfs.NewGateway(cfg.HostfsBase, root)
	if err != nil {
		return trace.Wrap(err, "building host file gateway")
	}

	mcp := mcpserver.NewServer(root, metricsHandler)
	mcpAddr := fmt.Sprintf("%s:%d", defaults.MCPHost, cfg.MCPPort)
	mcpURL := fmt.Sprintf("http://%s/mcp", mcpAddr)

	mcpListener, err := net.Listen("tcp", mcpAddr)
	if err != nil {
		return trace.Wrap(err, "binding mcp listener on %s", mcpAddr)
	}
	mcpHTTP := &http.Server{Handler: mcp.Handler()}
	go func() {
		if err := mcpHTTP.Serve(mcpListener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("mcp server exited")
		}
	}()
	defer mcpHTTP.Close()

	relayAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", relayAddr)
	if err != nil {
		return trace.Wrap(err, "binding relay listener on %s", relayAddr)
	}
	defer listener.Close()
	log.WithFields(logrus.Fields{"relay_addr": relayAddr, "mcp_addr": mcpAddr}).Info("relay listening")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info("shutting down on signal")
				return nil
			default:
				return trace.Wrap(err, "accepting connection")
			}
		}
		serveOneClient(ctx, conn, cfg, root, metrics, gateway, mcp, mcpURL)
	}
}

// serveOneClient runs one remote client's session to completion. The relay
// accepts exactly one client at a time (spec.md §6), so this blocks the
// accept loop by design.
func serveOneClient(ctx context.Context, conn net.Conn, cfg Config, root *logrus.Entry, metrics *relay.Metrics, gateway *hostfs.Gateway, mcp *mcpserver.Server, mcpURL string) {
	log := logutils.ForSession(root)
	log.WithField("remote_addr", conn.RemoteAddr()).Info("client connected")

	session := relay.NewSession(conn, relay.Config{
		ClaudeCommand: cfg.ClaudeCommand,
		Resume:        cfg.Resume,
		Metrics:       metrics,
		Log:           log,
	})

	if err := session.Handshake(); err != nil {
		log.WithError(err).Warn("handshake failed")
		_ = conn.Close()
		return
	}

	mcp.SetSession(&mcpserver.Session{
		Engine:  session.Engine,
		Gateway: gateway,
		Cwd:     session,
	})
	defer mcp.SetSession(nil)

	if err := session.Run(ctx, mcpURL); err != nil {
		log.WithError(err).Warn("session ended with error")
	}
	log.Info("client disconnected")
}
