package transport

// Source is a non-blocking byte source. The passthrough loop polls both the
// console and the UART through it.
type Source interface {
	Poll() (byte, bool)
	PollN(dst []byte) int
	Closed() bool
}

// Sink accepts byte payloads for asynchronous transmission.
type Sink interface {
	Send([]byte) error
}

var (
	_ Source = (*Poller)(nil)
	_ Sink   = (*AsyncTx[[]byte])(nil)
)
