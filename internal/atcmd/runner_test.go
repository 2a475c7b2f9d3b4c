package atcmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModule answers AT commands by pushing canned replies into the UART channel.
type fakeModule struct {
	ch      chan []byte
	replies map[string][]string
	sent    []string
}

func newFakeModule(replies map[string][]string) *fakeModule {
	return &fakeModule{ch: make(chan []byte, 32), replies: replies}
}

func (m *fakeModule) Send(p []byte) error {
	cmd := strings.TrimSuffix(string(p), "\r\n")
	m.sent = append(m.sent, string(p))
	for _, chunk := range m.replies[cmd] {
		m.ch <- []byte(chunk)
	}
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time        { return c.t }
func (c *fakeClock) Sleep(d time.Duration) { c.t = c.t.Add(d) }

func newTestRunner(m *fakeModule, console *bytes.Buffer) *Runner {
	clk := &fakeClock{t: time.Unix(0, 0)}
	return NewRunner(transport.NewPoller(m.ch), m, console,
		WithLogger(logging.Discard()), WithClock(clk.Now, clk.Sleep))
}

func TestRunnerScript(t *testing.T) {
	m := newFakeModule(map[string][]string{
		"AT":        {"+OK\r\n"},
		"AT+VER?":   {"+VER=RYLR998", "_REYAX_V1.2.3\r\n"},
		"AT+BAND=1": {"+ERR=4\r\n"},
	})
	m.ch <- []byte("+READY\r\n") // stale, must be drained
	var console bytes.Buffer
	r := newTestRunner(m, &console)
	s := &Script{Commands: []string{"AT", "AT+VER?", "AT+BAND=1", "AT+SILENT"}}
	s.applyDefaults()
	before := metrics.Snap().ATCommands

	resps, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, resps, 4)

	assert.Equal(t, []string{"AT\r\n", "AT+VER?\r\n", "AT+BAND=1\r\n", "AT+SILENT\r\n"}, m.sent)
	assert.Equal(t, []string{"+OK"}, resps[0].Lines)
	assert.NoError(t, resps[0].Err)
	assert.Equal(t, []string{"+VER=RYLR998_REYAX_V1.2.3"}, resps[1].Lines)
	assert.ErrorIs(t, resps[2].Err, ErrCommand)
	assert.Contains(t, resps[2].Err.Error(), "4")
	assert.ErrorIs(t, resps[3].Err, ErrNoResponse)
	assert.Equal(t, before+4, metrics.Snap().ATCommands)

	want := "--> AT\r\n<-- +OK\r\n" +
		"--> AT+VER?\r\n<-- +VER=RYLR998_REYAX_V1.2.3\r\n" +
		"--> AT+BAND=1\r\n<-- +ERR=4\r\n" +
		"--> AT+SILENT\r\n" +
		"Setup complete\r\n"
	assert.Equal(t, want, console.String())
}

func TestRunnerMultiLineResponse(t *testing.T) {
	m := newFakeModule(map[string][]string{"AT+PARAMETER?": {"+PARAMETER=9,7,1,12\r\n\r\n+OK\r\n"}})
	var console bytes.Buffer
	r := newTestRunner(m, &console)
	s := &Script{}
	s.applyDefaults()
	resp, err := r.Exec(context.Background(), s, "AT+PARAMETER?")
	require.NoError(t, err)
	assert.Equal(t, []string{"+PARAMETER=9,7,1,12", "+OK"}, resp.Lines)
}

func TestRunnerUARTClosed(t *testing.T) {
	m := newFakeModule(nil)
	close(m.ch)
	var console bytes.Buffer
	r := newTestRunner(m, &console)
	s := &Script{Commands: []string{"AT"}}
	s.applyDefaults()
	_, err := r.Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrUARTClosed)
	assert.NotContains(t, console.String(), "Setup complete")
}

func TestRunnerContextCancelled(t *testing.T) {
	m := newFakeModule(nil)
	var console bytes.Buffer
	r := newTestRunner(m, &console)
	s := &Script{Commands: []string{"AT"}}
	s.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
}

// countingSource records how much stale input the runner discarded.
type countingSource struct {
	*transport.Poller
	drained int
}

func (s *countingSource) Drain() int {
	n := s.Poller.Drain()
	s.drained += n
	return n
}

func TestRunnerDrainsStaleInput(t *testing.T) {
	m := newFakeModule(map[string][]string{"AT": {"+OK\r\n"}})
	m.ch <- []byte("+READY\r\n")
	m.ch <- []byte("+RCV=1,2,hi,-40,10\r\n")
	src := &countingSource{Poller: transport.NewPoller(m.ch)}
	clk := &fakeClock{t: time.Unix(0, 0)}
	var console bytes.Buffer
	r := NewRunner(src, m, &console, WithLogger(logging.Discard()), WithClock(clk.Now, clk.Sleep))
	s := &Script{Commands: []string{"AT"}}
	s.applyDefaults()

	resps, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.Equal(t, []string{"+OK"}, resps[0].Lines)
	assert.Equal(t, len("+READY\r\n")+len("+RCV=1,2,hi,-40,10\r\n"), src.drained)
	assert.NotContains(t, console.String(), "READY")
}
