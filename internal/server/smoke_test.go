package server

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/hub"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

const banner = "UART Passthrough (baud=115200, device=/dev/ttyAMA0)\r\n"

func startServer(t *testing.T, ctx context.Context, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithGreeting(func() []byte { return []byte(banner) })}, opts...)
	srv := NewServer(opts...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv
}

// dialAndGreet connects and consumes the greeting banner.
func dialAndGreet(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	got := readAtLeast(t, conn, len(banner), 500*time.Millisecond)
	if string(got) != banner {
		t.Fatalf("unexpected greeting %q", got)
	}
	return conn
}

func readAtLeast(t *testing.T, conn net.Conn, n int, d time.Duration) []byte {
	t.Helper()
	var buf bytes.Buffer
	tmp := make([]byte, 256)
	deadline := time.Now().Add(d)
	for buf.Len() < n && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Millisecond))
		m, err := conn.Read(tmp)
		buf.Write(tmp[:m])
		if err != nil && !isTimeout(err) {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return buf.Bytes()
}

func waitClients(h *hub.Hub, n int) bool {
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if h.Count() == n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return h.Count() == n
}

// TestSmokeServer covers greeting, client input and output fan-out.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h))

	c1 := dialAndGreet(t, ctx, srv.Addr())
	defer c1.Close()
	c2 := dialAndGreet(t, ctx, srv.Addr())
	defer c2.Close()
	if !waitClients(h, 2) {
		t.Fatalf("expected 2 clients, got %d", h.Count())
	}

	// Client -> input channel.
	if _, err := c1.Write([]byte("AT\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var in []byte
	deadline := time.After(500 * time.Millisecond)
	for len(in) < 3 {
		select {
		case chunk := <-srv.Input():
			in = append(in, chunk...)
		case <-deadline:
			t.Fatalf("timeout waiting for input, got %q", in)
		}
	}
	if string(in) != "AT\r" {
		t.Fatalf("input = %q", in)
	}

	// Console output -> every client.
	if _, err := srv.Write([]byte("+OK\r\n")); err != nil {
		t.Fatalf("console write: %v", err)
	}
	for i, c := range []net.Conn{c1, c2} {
		if got := readAtLeast(t, c, 5, 500*time.Millisecond); string(got) != "+OK\r\n" {
			t.Fatalf("client %d got %q", i+1, got)
		}
	}
}

// TestSmokeWriteCopiesInput ensures the caller may reuse its buffer after Write.
func TestSmokeWriteCopiesInput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithFlushInterval(20*time.Millisecond))
	c := dialAndGreet(t, ctx, srv.Addr())
	defer c.Close()
	waitClients(h, 1)

	buf := []byte("abc")
	_, _ = srv.Write(buf)
	copy(buf, "xyz")
	if got := readAtLeast(t, c, 3, 500*time.Millisecond); string(got) != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestSmokeMaxClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithMaxClients(1))
	before := metrics.Snap().HubRejects

	c1 := dialAndGreet(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)

	c2, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	got, _ := readAll(c2)
	if strings.Contains(string(got), "Passthrough") {
		t.Fatalf("rejected client received greeting")
	}
	if metrics.Snap().HubRejects == before {
		t.Fatalf("expected reject metric increment")
	}
}

func TestSmokeClientDisconnectUnregisters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h))
	c := dialAndGreet(t, ctx, srv.Addr())
	waitClients(h, 1)
	_ = c.Close()
	if !waitClients(h, 0) {
		t.Fatalf("client not removed after disconnect")
	}
}

func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h))
	c := dialAndGreet(t, ctx, srv.Addr())
	defer c.Close()
	waitClients(h, 1)

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.Count() != 0 {
		t.Fatalf("clients remain after shutdown: %d", h.Count())
	}
}

func TestListenError(t *testing.T) {
	srv := NewServer(WithListenAddr(":-1"))
	err := srv.Serve(context.Background())
	if err == nil {
		t.Fatalf("expected listen error")
	}
	if srv.LastError() == nil {
		t.Fatalf("expected LastError to be recorded")
	}
	if mapErrToMetric(err) != metrics.ErrTCPRead {
		t.Fatalf("unexpected metric label %q", mapErrToMetric(err))
	}
}

func readAll(c net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	tmp := make([]byte, 128)
	for {
		n, err := c.Read(tmp)
		buf.Write(tmp[:n])
		if err != nil {
			return buf.Bytes(), err
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func TestInputQueueOption(t *testing.T) {
	if got := cap(NewServer(WithInputQueue(7)).Input()); got != 7 {
		t.Fatalf("input queue = %d, want 7", got)
	}
	if got := cap(NewServer(WithInputQueue(0)).Input()); got != defaultInputQueue {
		t.Fatalf("input queue = %d, want default %d", got, defaultInputQueue)
	}
}
