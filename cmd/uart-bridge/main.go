package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-uart-bridge/internal/atcmd"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/passthrough"
	"github.com/kstaniek/go-uart-bridge/internal/serial"
)

func main() { os.Exit(run()) }

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("uart-bridge %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 1
	}
	if cfg.listPorts {
		return listPorts(os.Stdout)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	var script *atcmd.Script
	if cfg.initScript != "" {
		s, err := atcmd.LoadScript(cfg.initScript)
		if err != nil {
			l.Error("init_script_error", "error", err)
			return 1
		}
		script = s
		l.Info("init_script_loaded", "path", cfg.initScript, "commands", len(s.Commands))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	banner := passthrough.BannerInfo{Baud: cfg.baud, Device: cfg.serialDev, RxPin: cfg.rxPin, TxPin: cfg.txPin}
	var (
		con            passthrough.Console
		consoleCleanup func()
	)
	switch cfg.console {
	case "tcp":
		c, _, cleanup, err := openTCPConsole(ctx, cfg, l, &wg, func() []byte { return []byte(banner.String() + "\r\n") })
		if err != nil {
			l.Error("console_open_error", "error", err)
			return 1
		}
		con, consoleCleanup = c, cleanup
	default:
		con, consoleCleanup = openStdioConsole(ctx, os.Stdin, os.Stdout, l)
	}

	link, err := openUART(ctx, cfg, l, &wg)
	if err != nil {
		l.Error("uart_open_error", "device", cfg.serialDev, "error", err)
		cancel()
		consoleCleanup()
		return 1
	}

	bridge := passthrough.New(con, link.rx, link.tx,
		passthrough.WithLineCapacity(cfg.lineBuffer),
		passthrough.WithOverflowPolicy(cfg.overflowPolicy()),
		passthrough.WithEcho(cfg.echo),
		passthrough.WithRxBatch(cfg.rxBatch),
		passthrough.WithStartupDelay(cfg.startupDelay),
		passthrough.WithIdleSleep(cfg.idleSleep),
		passthrough.WithBanner(banner),
		passthrough.WithIndicator(link.indicator(cfg, l)),
		passthrough.WithWatcher(atcmd.NewWatcher(l, maxWatchedLineLen)),
		passthrough.WithLogger(l),
	)

	// Ready while the indicator is on and we are not shutting down.
	metrics.SetReadinessFunc(func() bool { return metrics.Snap().Indicator && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	code := runBridge(ctx, bridge, link, con, script, l)
	cancel()
	link.Close()
	consoleCleanup()
	wg.Wait()
	return code
}

// runBridge initializes the bridge, runs the optional init script and the
// passthrough loop. It returns the process exit code.
func runBridge(ctx context.Context, b *passthrough.Bridge, link *uartLink, con passthrough.Console, script *atcmd.Script, l *slog.Logger) int {
	if err := b.Init(ctx); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		l.Error("init_error", "error", err)
		return 1
	}
	if script != nil {
		r := atcmd.NewRunner(link.rx, link.tx, con, atcmd.WithLogger(l))
		if _, err := r.Run(ctx, script); err != nil {
			if ctx.Err() != nil {
				return 0
			}
			l.Error("init_script_failed", "error", err)
			return 1
		}
	}
	err := b.Run(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, passthrough.ErrConsoleClosed):
		l.Info("console_closed")
		return 0
	default:
		l.Error("passthrough_error", "error", err)
		return 1
	}
}

// listPortsFn is a hook for tests.
var listPortsFn = serial.List

func listPorts(w io.Writer) int {
	ports, err := listPortsFn()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list ports: %v\n", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return 0
	}
	for _, p := range ports {
		if p.IsPico() {
			fmt.Fprintf(w, "%s (pico)\n", p)
			continue
		}
		fmt.Fprintln(w, p.String())
	}
	return 0
}
