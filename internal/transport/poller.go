package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// Poller turns a stream of byte chunks into a non-blocking byte poll, the
// equivalent of "is a byte readable? then read it". Chunks are produced by a
// reader goroutine (StartReader) or any other producer (NewPoller).
//
// Poll, PollN and Closed must be called from a single goroutine.
type Poller struct {
	ch      <-chan []byte
	pending []byte
	ended   bool

	errMu sync.Mutex
	err   error
}

// NewPoller wraps a chunk channel. Closing the channel ends the source.
func NewPoller(ch <-chan []byte) *Poller { return &Poller{ch: ch} }

// Poll returns the next available byte without blocking.
func (p *Poller) Poll() (byte, bool) {
	if !p.fill() {
		return 0, false
	}
	c := p.pending[0]
	p.pending = p.pending[1:]
	return c, true
}

// PollN copies up to len(dst) already-available bytes into dst without blocking.
func (p *Poller) PollN(dst []byte) int {
	n := 0
	for n < len(dst) && p.fill() {
		m := copy(dst[n:], p.pending)
		p.pending = p.pending[m:]
		n += m
	}
	return n
}

// Drain discards everything currently available and returns the byte count.
func (p *Poller) Drain() int {
	n := 0
	for p.fill() {
		n += len(p.pending)
		p.pending = nil
	}
	return n
}

// Closed reports whether the source ended and every byte was consumed.
func (p *Poller) Closed() bool {
	if len(p.pending) > 0 {
		return false
	}
	if !p.ended {
		p.fill()
	}
	return p.ended && len(p.pending) == 0
}

// Err returns the error that ended the source (nil while it is live or after a clean EOF).
func (p *Poller) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Poller) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

// fill makes pending non-empty if a chunk is ready; it never blocks.
func (p *Poller) fill() bool {
	for len(p.pending) == 0 {
		if p.ended {
			return false
		}
		select {
		case chunk, ok := <-p.ch:
			if !ok {
				p.ended = true
				return false
			}
			p.pending = chunk
		default:
			return false
		}
	}
	return true
}

// ReaderOptions configure StartReader.
type ReaderOptions struct {
	ReadBuf    int  // bytes per Read call
	Queue      int  // chunks buffered between reader and poller
	StopOnEOF  bool // treat io.EOF as end of stream (stdin) instead of an idle read timeout (serial)
	BackoffMin time.Duration
	BackoffMax time.Duration
	// Sleep allows tests to intercept backoff sleeps.
	Sleep func(time.Duration)
	// OnError observes transient read errors before the backoff sleep.
	OnError func(err error, backoff time.Duration)
	// OnEnd is called once when the reader goroutine exits.
	OnEnd func()
}

const (
	defaultReadBuf    = 4096
	defaultQueue      = 64
	defaultBackoffMin = 20 * time.Millisecond
	defaultBackoffMax = 500 * time.Millisecond
)

func (o *ReaderOptions) withDefaults() {
	if o.ReadBuf <= 0 {
		o.ReadBuf = defaultReadBuf
	}
	if o.Queue <= 0 {
		o.Queue = defaultQueue
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = defaultBackoffMin
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = defaultBackoffMax
		if o.BackoffMax < o.BackoffMin {
			o.BackoffMax = o.BackoffMin
		}
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
}

// StartReader launches a goroutine reading r into a Poller until ctx is done,
// the stream ends, or a fatal error occurs. Transient errors back off
// exponentially between BackoffMin and BackoffMax.
func StartReader(ctx context.Context, r io.Reader, opts ReaderOptions) *Poller {
	opts.withDefaults()
	ch := make(chan []byte, opts.Queue)
	p := NewPoller(ch)
	go p.read(ctx, r, ch, opts)
	return p
}

func (p *Poller) read(ctx context.Context, r io.Reader, ch chan<- []byte, opts ReaderOptions) {
	defer close(ch)
	if opts.OnEnd != nil {
		defer opts.OnEnd()
	}
	buf := make([]byte, opts.ReadBuf)
	backoff := opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			backoff = opts.BackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if opts.StopOnEOF {
				return
			}
			continue // idle read timeout
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
			p.setErr(err) // device removed or closed
			return
		}
		if opts.OnError != nil {
			opts.OnError(err, backoff)
		}
		opts.Sleep(backoff)
		backoff *= 2
		if backoff > opts.BackoffMax {
			backoff = opts.BackoffMax
		}
	}
}
