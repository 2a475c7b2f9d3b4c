package atcmd

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// ErrMalformedRCV is returned by ParseRCV for a +RCV line that does not match
// +RCV=<address>,<length>,<data>,<rssi>,<snr>.
var ErrMalformedRCV = errors.New("malformed +RCV line")

// RCVPrefix starts every radio receive notification.
const RCVPrefix = "+RCV="

// Message is a parsed radio receive notification.
type Message struct {
	Address int
	Length  int
	Data    string
	RSSI    int
	SNR     int
}

// ParseRCV parses a single line without its terminator. Data may contain
// commas; it is located using the declared length and the two trailing fields.
func ParseRCV(line string) (Message, error) {
	var m Message
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), RCVPrefix)
	if !ok {
		return m, fmt.Errorf("%w: missing prefix", ErrMalformedRCV)
	}
	addr, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return m, fmt.Errorf("%w: missing length", ErrMalformedRCV)
	}
	length, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return m, fmt.Errorf("%w: missing data", ErrMalformedRCV)
	}
	i := strings.LastIndexByte(rest, ',')
	if i < 0 {
		return m, fmt.Errorf("%w: missing snr", ErrMalformedRCV)
	}
	snr := rest[i+1:]
	rest = rest[:i]
	j := strings.LastIndexByte(rest, ',')
	if j < 0 {
		return m, fmt.Errorf("%w: missing rssi", ErrMalformedRCV)
	}
	rssi := rest[j+1:]
	m.Data = rest[:j]

	var err error
	if m.Address, err = strconv.Atoi(addr); err != nil {
		return m, fmt.Errorf("%w: address: %v", ErrMalformedRCV, err)
	}
	if m.Length, err = strconv.Atoi(length); err != nil {
		return m, fmt.Errorf("%w: length: %v", ErrMalformedRCV, err)
	}
	if m.RSSI, err = strconv.Atoi(rssi); err != nil {
		return m, fmt.Errorf("%w: rssi: %v", ErrMalformedRCV, err)
	}
	if m.SNR, err = strconv.Atoi(snr); err != nil {
		return m, fmt.Errorf("%w: snr: %v", ErrMalformedRCV, err)
	}
	if m.Length != len(m.Data) {
		return m, fmt.Errorf("%w: length %d does not match %d data bytes", ErrMalformedRCV, m.Length, len(m.Data))
	}
	return m, nil
}

// DefaultMaxLine bounds a single UART line seen by the splitter.
const DefaultMaxLine = 512

// LineSplitter assembles LF-terminated lines from a byte stream. Lines longer
// than max are discarded up to the next LF.
type LineSplitter struct {
	buf     []byte
	max     int
	discard bool
}

// NewLineSplitter creates a splitter; max <= 0 selects DefaultMaxLine.
func NewLineSplitter(max int) *LineSplitter {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &LineSplitter{buf: make([]byte, 0, max), max: max}
}

// Feed consumes one byte and returns a completed line (CR trimmed) when c is LF.
func (s *LineSplitter) Feed(c byte) (string, bool) {
	if c == '\n' {
		if s.discard {
			s.discard = false
			s.buf = s.buf[:0]
			return "", false
		}
		ln := string(bytes.TrimRight(s.buf, "\r"))
		s.buf = s.buf[:0]
		return ln, ln != ""
	}
	if s.discard {
		return "", false
	}
	if len(s.buf) >= s.max {
		s.discard = true
		return "", false
	}
	s.buf = append(s.buf, c)
	return "", false
}

// Watcher observes UART output and reports radio receive notifications.
// It never alters the forwarded bytes.
type Watcher struct {
	split *LineSplitter
	log   *slog.Logger
	// OnMessage, if set, is called for every parsed notification.
	OnMessage func(Message)
}

// NewWatcher creates a watcher logging to l (nil: discard).
func NewWatcher(l *slog.Logger, maxLine int) *Watcher {
	if l == nil {
		l = logging.Discard()
	}
	return &Watcher{split: NewLineSplitter(maxLine), log: l}
}

// Observe feeds forwarded UART bytes.
func (w *Watcher) Observe(p []byte) {
	for _, c := range p {
		ln, ok := w.split.Feed(c)
		if !ok || !strings.HasPrefix(ln, RCVPrefix) {
			continue
		}
		m, err := ParseRCV(ln)
		if err != nil {
			metrics.IncMalformed()
			w.log.Warn("lora_rcv_malformed", "line", ln, "error", err)
			continue
		}
		metrics.IncRCV()
		w.log.Info("lora_rcv", "address", m.Address, "len", m.Length, "data", m.Data, "rssi", m.RSSI, "snr", m.SNR)
		if w.OnMessage != nil {
			w.OnMessage(m)
		}
	}
}
