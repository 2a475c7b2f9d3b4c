package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"console_rx", snap.ConsoleRx,
					"console_tx", snap.ConsoleTx,
					"uart_rx", snap.UARTRx,
					"uart_tx", snap.UARTTx,
					"uart_lines", snap.UARTLines,
					"overflows", snap.Overflows,
					"rcv", snap.RCV,
					"malformed", snap.Malformed,
					"at_commands", snap.ATCommands,
					"hub_clients", snap.HubClients,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
