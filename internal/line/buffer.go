// Package line implements the fixed-capacity console line editor that sits in
// front of the UART: typed bytes accumulate until CR or LF, then the whole
// line (terminated with CRLF) is handed back for a single UART write.
package line

import "errors"

// ErrFull is reported when a byte arrives while the buffer holds the maximum
// content length (capacity minus the CRLF terminator).
var ErrFull = errors.New("line buffer full")

// Control bytes understood by the editor.
const (
	BS  = '\b'
	DEL = 0x7F // what most terminals send for backspace in raw mode
	CR  = '\r'
	LF  = '\n'
	BEL = 0x07
)

// MinCapacity is the smallest usable buffer: one content byte plus CRLF.
const MinCapacity = 3

// OverflowPolicy selects what happens to a byte that does not fit.
type OverflowPolicy int

const (
	// PolicyReject drops the byte and rings the terminal bell.
	PolicyReject OverflowPolicy = iota
	// PolicyFlush transmits the pending content as a line and starts a new
	// line with the byte.
	PolicyFlush
)

func (p OverflowPolicy) String() string {
	if p == PolicyFlush {
		return "flush"
	}
	return "reject"
}

var (
	echoCRLF       = []byte{CR, LF}
	echoBell       = []byte{BEL}
	echoRubBell    = []byte{BS, ' ', BS, BEL}
	echoRubout     = []byte{BS, ' ', BS} // we echoed the character ourselves
	echoOvertypeBS = []byte{' ', BS}     // terminal already echoed the backspace
)

// Buffer is a line buffer with a write cursor. The zero value is not usable;
// call New. A Buffer is owned by a single goroutine.
type Buffer struct {
	buf    []byte
	cursor int

	// Policy applies when the buffer is full.
	Policy OverflowPolicy
	// Echo makes Feed echo typed bytes back; set it when the console does
	// not echo locally (raw terminals, TCP clients).
	Echo bool
}

// New allocates a buffer of the given capacity (clamped to MinCapacity).
func New(capacity int) *Buffer {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Len is the number of pending content bytes (the cursor).
func (b *Buffer) Len() int { return b.cursor }

// Cap is the total capacity including room for CRLF.
func (b *Buffer) Cap() int { return len(b.buf) }

// MaxContent is the largest line the buffer accepts before overflow.
func (b *Buffer) MaxContent() int { return len(b.buf) - 2 }

// Pending returns a copy of the content typed so far.
func (b *Buffer) Pending() []byte {
	out := make([]byte, b.cursor)
	copy(out, b.buf[:b.cursor])
	return out
}

// Append stores c at the cursor. It returns ErrFull instead of writing past
// the content limit.
func (b *Buffer) Append(c byte) error {
	if b.cursor >= b.MaxContent() {
		return ErrFull
	}
	b.buf[b.cursor] = c
	b.cursor++
	return nil
}

// Backspace removes the last content byte. It reports false on an empty line.
func (b *Buffer) Backspace() bool {
	if b.cursor == 0 {
		return false
	}
	b.cursor--
	b.buf[b.cursor] = 0
	return true
}

// Terminate appends CRLF, returns a copy of the finished line and resets the
// cursor. An empty line yields nil and leaves the buffer untouched.
func (b *Buffer) Terminate() []byte {
	if b.cursor == 0 {
		return nil
	}
	b.buf[b.cursor] = CR
	b.buf[b.cursor+1] = LF
	n := b.cursor + 2
	out := make([]byte, n)
	copy(out, b.buf[:n])
	b.cursor = 0
	return out
}

// Result describes the effect of one console byte. Echo must not be modified.
type Result struct {
	Echo []byte // to write back to the console
	Line []byte // completed line to transmit (nil if none)
	Err  error  // ErrFull when the byte overflowed the buffer
}

// Feed applies one console byte to the buffer.
func (b *Buffer) Feed(c byte) Result {
	switch c {
	case BS, DEL:
		if !b.Backspace() {
			return Result{}
		}
		if b.Echo {
			return Result{Echo: echoRubout}
		}
		return Result{Echo: echoOvertypeBS}
	case CR, LF:
		ln := b.Terminate()
		if ln == nil {
			return Result{}
		}
		return Result{Echo: echoCRLF, Line: ln}
	}

	if err := b.Append(c); err != nil {
		// Without Echo the terminal already shows c; rub it out first.
		if b.Policy != PolicyFlush {
			if b.Echo {
				return Result{Echo: echoBell, Err: err}
			}
			return Result{Echo: echoRubBell, Err: err}
		}
		ln := b.Terminate()
		_ = b.Append(c) // cannot fail on an empty buffer
		echo := []byte{CR, LF, c}
		if !b.Echo {
			echo = append([]byte{BS, ' ', BS}, echo...)
		}
		return Result{Echo: echo, Line: ln, Err: err}
	}
	if b.Echo {
		return Result{Echo: []byte{c}}
	}
	return Result{}
}
