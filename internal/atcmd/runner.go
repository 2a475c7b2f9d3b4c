package atcmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

var (
	// ErrNoResponse means the module stayed silent for the response timeout.
	ErrNoResponse = errors.New("no response")
	// ErrCommand wraps a +ERR=<code> reply.
	ErrCommand = errors.New("command error")
	// ErrUARTClosed aborts a script whose UART source ended.
	ErrUARTClosed = errors.New("uart closed during init script")
)

// ErrPrefix starts an AT error reply.
const ErrPrefix = "+ERR="

// maxResponse bounds the bytes collected for one command.
const maxResponse = 4096

// Response is the outcome of one command.
type Response struct {
	Command string
	Lines   []string
	Err     error
}

// Source is the polled UART input. Drain discards whatever is already
// buffered and reports how many bytes were dropped.
type Source interface {
	transport.Source
	Drain() int
}

// Runner executes Scripts over a polled UART source and a UART sink while
// echoing the exchange to the console.
type Runner struct {
	uart    Source
	tx      transport.Sink
	console io.Writer
	log     *slog.Logger
	now     func() time.Time
	sleep   func(time.Duration)
	scratch []byte
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock replaces time.Now and time.Sleep (tests).
func WithClock(now func() time.Time, sleep func(time.Duration)) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(uart Source, tx transport.Sink, console io.Writer, opts ...RunnerOption) *Runner {
	r := &Runner{
		uart:    uart,
		tx:      tx,
		console: console,
		log:     logging.L(),
		now:     time.Now,
		sleep:   time.Sleep,
		scratch: make([]byte, 256),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes every command of s in order. Per-command failures
// (ErrNoResponse, ErrCommand) are reported in the responses and do not stop
// the script; UART, console or context failures do.
func (r *Runner) Run(ctx context.Context, s *Script) ([]Response, error) {
	out := make([]Response, 0, len(s.Commands))
	for _, cmd := range s.Commands {
		resp, err := r.Exec(ctx, s, cmd)
		if err != nil {
			return out, err
		}
		out = append(out, resp)
		switch {
		case errors.Is(resp.Err, ErrNoResponse):
			r.log.Warn("at_no_response", "command", cmd, "timeout", s.ResponseTimeout)
		case resp.Err != nil:
			metrics.IncError(metrics.ErrATCommand)
			r.log.Warn("at_command_error", "command", cmd, "error", resp.Err)
		default:
			r.log.Debug("at_command_ok", "command", cmd, "lines", len(resp.Lines))
		}
	}
	if err := r.printf("Setup complete\r\n"); err != nil {
		return out, err
	}
	return out, nil
}

// Exec sends one command and collects its response.
func (r *Runner) Exec(ctx context.Context, s *Script, cmd string) (Response, error) {
	resp := Response{Command: cmd}
	r.drain()
	if err := r.printf("--> %s\r\n", cmd); err != nil {
		return resp, err
	}
	if err := r.tx.Send([]byte(cmd + "\r\n")); err != nil {
		return resp, fmt.Errorf("send %q: %w", cmd, err)
	}
	metrics.IncATCommand()

	raw, err := r.collect(ctx, s)
	if err != nil {
		return resp, err
	}
	if len(raw) == 0 {
		resp.Err = ErrNoResponse
		return resp, nil
	}
	for _, ln := range strings.Split(string(raw), "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		resp.Lines = append(resp.Lines, ln)
		if err := r.printf("<-- %s\r\n", ln); err != nil {
			return resp, err
		}
		if code, ok := strings.CutPrefix(ln, ErrPrefix); ok && resp.Err == nil {
			resp.Err = fmt.Errorf("%w: %s", ErrCommand, code)
		}
	}
	return resp, nil
}

// collect waits up to ResponseTimeout for the first byte, then reads until
// the UART stays quiet for Settle.
func (r *Runner) collect(ctx context.Context, s *Script) ([]byte, error) {
	var raw []byte
	deadline := r.now().Add(s.ResponseTimeout)
	for len(raw) == 0 {
		if n := r.uart.PollN(r.scratch); n > 0 {
			raw = append(raw, r.scratch[:n]...)
			break
		}
		if r.uart.Closed() {
			return nil, ErrUARTClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.now().Before(deadline) {
			return nil, nil
		}
		r.sleep(s.PollInterval)
	}
	quiet := r.now()
	for r.now().Sub(quiet) < s.Settle && len(raw) < maxResponse {
		if err := ctx.Err(); err != nil {
			return raw, err
		}
		r.sleep(s.PollInterval)
		if n := r.uart.PollN(r.scratch); n > 0 {
			raw = append(raw, r.scratch[:n]...)
			quiet = r.now()
		}
	}
	return raw, nil
}

func (r *Runner) drain() {
	if n := r.uart.Drain(); n > 0 {
		r.log.Debug("at_drained_stale_input", "bytes", n)
	}
}

func (r *Runner) printf(format string, args ...any) error {
	if _, err := fmt.Fprintf(r.console, format, args...); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}
