package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/passthrough"
	"github.com/kstaniek/go-uart-bridge/internal/serial"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// uartLink holds the open UART: a polled RX side and a queued TX side.
type uartLink struct {
	port serial.Port
	rx   *transport.Poller
	tx   *serial.TXWriter
}

// Close stops the TX worker and closes the port, which also ends the reader.
func (u *uartLink) Close() {
	u.tx.Close()
	_ = u.port.Close()
}

// openUART opens the UART and starts its reader goroutine.
func openUART(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*uartLink, error) {
	sp, err := openSerialPort(serial.Config{
		Name:        cfg.serialDev,
		Baud:        cfg.baud,
		ReadTimeout: cfg.serialReadTO,
		Driver:      cfg.serialDriver,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "driver", cfg.serialDriver)
	w := serial.NewTXWriter(ctx, sp, txQueueSize)
	wg.Add(1)
	rx := transport.StartReader(ctx, sp, transport.ReaderOptions{
		ReadBuf:    uartReadBufSize,
		Queue:      rxQueueChunks,
		BackoffMin: rxBackoffMin,
		BackoffMax: rxBackoffMax,
		Sleep:      sleepFn,
		OnError: func(err error, backoff time.Duration) {
			metrics.IncError(metrics.ErrSerialRead)
			l.Warn("serial_read_error", "error", err, "backoff", backoff)
		},
		OnEnd: func() {
			l.Info("uart_rx_end")
			wg.Done()
		},
	})
	return &uartLink{port: sp, rx: rx, tx: w}, nil
}

// indicator returns the DTR readiness indicator when configured and supported.
func (u *uartLink) indicator(cfg *appConfig, l *slog.Logger) passthrough.Indicator {
	if cfg.indicator != "dtr" {
		return nil
	}
	d, ok := u.port.(serial.DTRSetter)
	if !ok {
		l.Warn("indicator_unsupported", "indicator", cfg.indicator, "driver", cfg.serialDriver)
		return nil
	}
	return passthrough.IndicatorFunc(d.SetDTR)
}
