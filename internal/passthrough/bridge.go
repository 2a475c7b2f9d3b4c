// Package passthrough runs the console <-> UART bridge: console bytes go
// through the line editor and reach the UART one complete line at a time,
// UART bytes are forwarded to the console unmodified.
package passthrough

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/atcmd"
	"github.com/kstaniek/go-uart-bridge/internal/line"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

var (
	// ErrConsoleClosed ends Run when the console input stream ends.
	ErrConsoleClosed = errors.New("console closed")
	// ErrUARTClosed ends Run when the UART source ends.
	ErrUARTClosed = errors.New("uart closed")
)

// Defaults.
const (
	DefaultLineCapacity = 1024
	DefaultStartupDelay = 2 * time.Second
	DefaultIdleSleep    = time.Millisecond
)

// Console is the user side: a non-blocking byte source plus an output writer.
type Console interface {
	transport.Source
	io.Writer
}

type console struct {
	transport.Source
	io.Writer
}

// NewConsole pairs an input source with an output writer.
func NewConsole(in transport.Source, out io.Writer) Console { return console{in, out} }

// Indicator is the readiness light (an LED on the board, DTR on a host).
type Indicator interface {
	Set(on bool) error
}

// IndicatorFunc adapts a function to Indicator.
type IndicatorFunc func(on bool) error

func (f IndicatorFunc) Set(on bool) error { return f(on) }

// BannerInfo describes the UART link for the startup banner.
type BannerInfo struct {
	Baud   int
	Device string
	RxPin  string
	TxPin  string
}

func (b BannerInfo) String() string {
	s := fmt.Sprintf("UART Passthrough (baud=%d, device=%s", b.Baud, b.Device)
	if b.RxPin != "" {
		s += ", RX=" + b.RxPin
	}
	if b.TxPin != "" {
		s += ", TX=" + b.TxPin
	}
	return s + ")"
}

// Bridge owns the console, the UART handles and the line buffer. All methods
// must be called from one goroutine.
type Bridge struct {
	console   Console
	uart      transport.Source
	tx        transport.Sink
	line      *line.Buffer
	indicator Indicator
	watcher   *atcmd.Watcher
	rxBuf     []byte
	banner    BannerInfo
	log       *slog.Logger

	capacity     int
	policy       line.OverflowPolicy
	echo         bool
	rxBatch      int
	startupDelay time.Duration
	idleSleep    time.Duration
	pause        func(context.Context, time.Duration) error
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithLineCapacity sets the line buffer capacity (CRLF included).
func WithLineCapacity(n int) Option { return func(b *Bridge) { b.capacity = n } }

// WithOverflowPolicy selects the full-buffer behavior.
func WithOverflowPolicy(p line.OverflowPolicy) Option { return func(b *Bridge) { b.policy = p } }

// WithEcho makes the bridge echo typed bytes (raw terminals, TCP clients).
func WithEcho(on bool) Option { return func(b *Bridge) { b.echo = on } }

// WithRxBatch forwards up to n already-available UART bytes per iteration.
func WithRxBatch(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.rxBatch = n
		}
	}
}

// WithStartupDelay sets the pause before the banner.
func WithStartupDelay(d time.Duration) Option {
	return func(b *Bridge) {
		if d >= 0 {
			b.startupDelay = d
		}
	}
}

// WithIdleSleep sets the sleep taken when neither side had data.
func WithIdleSleep(d time.Duration) Option {
	return func(b *Bridge) {
		if d >= 0 {
			b.idleSleep = d
		}
	}
}

// WithBanner sets the banner contents.
func WithBanner(info BannerInfo) Option { return func(b *Bridge) { b.banner = info } }

// WithIndicator drives a readiness indicator besides the metrics gauge.
func WithIndicator(ind Indicator) Option { return func(b *Bridge) { b.indicator = ind } }

// WithWatcher observes every forwarded UART byte.
func WithWatcher(w *atcmd.Watcher) Option { return func(b *Bridge) { b.watcher = w } }

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithPause replaces the context-aware sleep (tests).
func WithPause(fn func(context.Context, time.Duration) error) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.pause = fn
		}
	}
}

// New creates a Bridge over an open console and UART.
func New(con Console, uart transport.Source, tx transport.Sink, opts ...Option) *Bridge {
	b := &Bridge{
		console:      con,
		uart:         uart,
		tx:           tx,
		log:          logging.L(),
		capacity:     DefaultLineCapacity,
		rxBatch:      1,
		startupDelay: DefaultStartupDelay,
		idleSleep:    DefaultIdleSleep,
		pause:        sleepCtx,
	}
	for _, o := range opts {
		o(b)
	}
	b.line = line.New(b.capacity)
	b.line.Policy = b.policy
	b.line.Echo = b.echo
	b.rxBuf = make([]byte, b.rxBatch)
	return b
}

// Line exposes the line buffer (read-only use).
func (b *Bridge) Line() *line.Buffer { return b.line }

// Init prints the status lines, turns the indicator on, waits for the host
// terminal to attach and prints the banner.
func (b *Bridge) Init(ctx context.Context) error {
	if err := b.status("Booted"); err != nil {
		return err
	}
	b.setIndicator(true)
	if err := b.status("Sleeping..."); err != nil {
		return err
	}
	if b.startupDelay > 0 {
		if err := b.pause(ctx, b.startupDelay); err != nil {
			return err
		}
	}
	b.log.Info("passthrough_ready", "baud", b.banner.Baud, "device", b.banner.Device,
		"line_capacity", b.line.Cap(), "overflow", b.policy.String(), "echo", b.echo)
	return b.status(b.banner.String())
}

// Feed applies one console byte: echo, line assembly and UART transmission
// of completed lines. The returned Result carries line.ErrFull on overflow;
// the error is non-nil only when the bridge cannot continue.
func (b *Bridge) Feed(c byte) (line.Result, error) {
	if c == 0 {
		return line.Result{}, nil
	}
	metrics.AddConsoleRx(1)
	r := b.line.Feed(c)
	if r.Err != nil {
		metrics.IncLineOverflow()
		b.log.Warn("line_overflow", "capacity", b.line.Cap(), "policy", b.policy.String())
	}
	if len(r.Echo) > 0 {
		if err := b.write(r.Echo); err != nil {
			return r, err
		}
	}
	if r.Line != nil {
		if err := b.tx.Send(r.Line); err != nil {
			if errors.Is(err, transport.ErrAsyncTxClosed) {
				return r, fmt.Errorf("%w: %w", ErrUARTClosed, err)
			}
			b.log.Warn("uart_tx_dropped", "bytes", len(r.Line), "error", err)
		} else {
			metrics.IncUARTLines()
		}
	}
	return r, nil
}

// Step runs one loop iteration: at most one console byte, then at most
// rxBatch UART bytes. It reports whether anything was processed.
func (b *Bridge) Step() (bool, error) {
	active := false
	if c, ok := b.console.Poll(); ok {
		active = true
		if _, err := b.Feed(c); err != nil {
			return active, err
		}
	} else if b.console.Closed() {
		return active, ErrConsoleClosed
	}

	if n := b.uart.PollN(b.rxBuf); n > 0 {
		active = true
		chunk := b.rxBuf[:n]
		metrics.AddUARTRx(n)
		if err := b.write(chunk); err != nil {
			return active, err
		}
		if b.watcher != nil {
			b.watcher.Observe(chunk)
		}
	} else if b.uart.Closed() {
		return active, b.uartEnded()
	}
	return active, nil
}

// Run loops until ctx is done (nil) or a side closes (ErrConsoleClosed,
// ErrUARTClosed). The indicator is switched off on return.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.setIndicator(false)
	for {
		if ctx.Err() != nil {
			return nil
		}
		active, err := b.Step()
		if err != nil {
			return err
		}
		if !active && b.idleSleep > 0 {
			if b.pause(ctx, b.idleSleep) != nil {
				return nil
			}
		}
	}
}

func (b *Bridge) uartEnded() error {
	if es, ok := b.uart.(interface{ Err() error }); ok {
		if err := es.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrUARTClosed, err)
		}
	}
	return ErrUARTClosed
}

func (b *Bridge) status(s string) error { return b.write([]byte(s + "\r\n")) }

func (b *Bridge) write(p []byte) error {
	n, err := b.console.Write(p)
	if n > 0 {
		metrics.AddConsoleTx(n)
	}
	if err != nil {
		metrics.IncError(metrics.ErrConsoleWrite)
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}

func (b *Bridge) setIndicator(on bool) {
	metrics.SetIndicator(on)
	if b.indicator == nil {
		return
	}
	if err := b.indicator.Set(on); err != nil {
		b.log.Warn("indicator_error", "on", on, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
