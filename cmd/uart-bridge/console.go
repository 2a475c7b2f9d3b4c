package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/hub"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/passthrough"
	"github.com/kstaniek/go-uart-bridge/internal/server"
	"github.com/kstaniek/go-uart-bridge/internal/term"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	switch cfg.hubPolicy {
	case "kick":
		h.Policy = hub.PolicyKick
	default:
		h.Policy = hub.PolicyDrop
	}
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}

// openStdioConsole reads keystrokes from in and writes to out. A terminal on
// in is switched to raw mode; the returned cleanup restores it. EOF on in
// ends the console.
func openStdioConsole(ctx context.Context, in *os.File, out io.Writer, l *slog.Logger) (passthrough.Console, func()) {
	restore := func() {}
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		st, err := term.MakeRaw(fd)
		if err != nil {
			l.Warn("console_raw_mode_failed", "error", err)
		} else {
			l.Debug("console_raw_mode")
			restore = func() { _ = st.Restore() }
		}
	}
	// Not tracked by the shutdown WaitGroup: a blocked stdin read cannot be interrupted.
	src := transport.StartReader(ctx, in, transport.ReaderOptions{
		ReadBuf:   consoleReadBuf,
		Queue:     rxQueueChunks,
		StopOnEOF: true,
		OnError: func(err error, backoff time.Duration) {
			metrics.IncError(metrics.ErrConsoleRead)
			l.Warn("console_read_error", "error", err, "backoff", backoff)
		},
		OnEnd: func() { l.Info("console_rx_end") },
	})
	return passthrough.NewConsole(src, out), restore
}

// openTCPConsole starts the TCP console server and waits for its listener.
// greeting supplies the banner sent to each new client.
func openTCPConsole(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup, greeting func() []byte) (passthrough.Console, *server.Server, func(), error) {
	h := initHub(cfg, l)
	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithGreeting(greeting),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithReadDeadline(cfg.clientReadTO),
		server.WithInputQueue(rxQueueChunks),
	)
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			errCh <- err
		}
	}()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		return nil, nil, nil, fmt.Errorf("tcp console: %w", err)
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}

	cleanupMDNS := func() {}
	if cfg.mdnsEnable {
		port := listenPort(srv.Addr())
		if stop, err := startMDNS(ctx, cfg, port); err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			cleanupMDNS = stop
			l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
		}
	}
	con := passthrough.NewConsole(transport.NewPoller(srv.Input()), srv)
	cleanup := func() {
		cleanupMDNS()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("tcp_shutdown_error", "error", err)
		}
	}
	return con, srv, cleanup, nil
}

// listenPort extracts the port from a bound host:port address (0 if unknown).
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
