package serial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// recPort records every Write call separately.
type recPort struct {
	mu     sync.Mutex
	writes [][]byte
	block  chan struct{}
}

func (p *recPort) Read(b []byte) (int, error) { return 0, nil }
func (p *recPort) Write(b []byte) (int, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}
func (p *recPort) Close() error { return nil }

func (p *recPort) snapshot() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func TestTXWriterOneWritePerLine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	before := metrics.Snap().UARTTx
	p := &recPort{}
	w := NewTXWriter(ctx, p, 8)
	defer w.Close()

	for _, ln := range []string{"AT\r\n", "AT+BAND=868500000\r\n"} {
		if err := w.Send([]byte(ln)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && len(p.snapshot()) < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	got := p.snapshot()
	if len(got) != 2 || string(got[0]) != "AT\r\n" || string(got[1]) != "AT+BAND=868500000\r\n" {
		t.Fatalf("unexpected writes %q", got)
	}
	if d := metrics.Snap().UARTTx - before; d != 23 {
		t.Fatalf("expected 23 tx bytes counted, got %d", d)
	}
}

func TestTXWriterOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &recPort{block: make(chan struct{})}
	w := NewTXWriter(ctx, p, 2)
	defer w.Close()
	defer close(p.block)
	beforeErrs := metrics.Snap().Errors

	var overflow error
	for i := 0; i < 8; i++ {
		if err := w.Send([]byte("AT\r\n")); err != nil && overflow == nil {
			overflow = err
		}
	}
	if !errors.Is(overflow, ErrTxOverflow) {
		t.Fatalf("expected ErrTxOverflow, got %v", overflow)
	}
	if metrics.Snap().Errors == beforeErrs {
		t.Fatalf("expected error metric increment on overflow")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Name: "/dev/null", Baud: 115200, Driver: "nope"}); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestPortInfoIsPico(t *testing.T) {
	pico := PortInfo{Name: "/dev/ttyACM0", USB: true, VID: "2e8a", PID: "000a"}
	if !pico.IsPico() {
		t.Fatalf("expected pico")
	}
	if (PortInfo{Name: "/dev/ttyS0"}).IsPico() {
		t.Fatalf("non-usb port reported as pico")
	}
	if s := pico.String(); s != "/dev/ttyACM0 usb=2e8a:000a" {
		t.Fatalf("String() = %q", s)
	}
}
