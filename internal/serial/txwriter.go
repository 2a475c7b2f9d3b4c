package serial

import (
	"context"
	"errors"
	"io"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all UART writes through one goroutine. Each payload is
// written with a single Write call.
type TXWriter struct{ base *transport.AsyncTx[[]byte] }

// NewTXWriter creates a serial TXWriter with a buffered queue of buf payloads.
func NewTXWriter(parent context.Context, sp Port, buf int) *TXWriter {
	send := func(b []byte) error {
		n, err := sp.Write(b)
		if n > 0 {
			metrics.AddUARTTx(n)
		}
		if err == nil && n < len(b) {
			err = io.ErrShortWrite
		}
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Send queues a payload for asynchronous write (drops with ErrTxOverflow if the queue is full).
func (w *TXWriter) Send(b []byte) error { return w.base.Send(b) }

// Close stops the writer and waits for the worker goroutine to exit.
func (w *TXWriter) Close() { w.base.Close() }
