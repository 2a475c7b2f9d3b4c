package atcmd

import (
	"testing"

	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRCV(t *testing.T) {
	m, err := ParseRCV("+RCV=50,5,HELLO,-99,40")
	require.NoError(t, err)
	assert.Equal(t, Message{Address: 50, Length: 5, Data: "HELLO", RSSI: -99, SNR: 40}, m)
}

func TestParseRCV_DataWithCommas(t *testing.T) {
	m, err := ParseRCV("+RCV=1,5,a,b,c,-40,11\r")
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", m.Data)
	assert.Equal(t, -40, m.RSSI)
	assert.Equal(t, 11, m.SNR)
}

func TestParseRCV_Malformed(t *testing.T) {
	cases := map[string]string{
		"no prefix":       "+OK",
		"missing length":  "+RCV=50",
		"missing data":    "+RCV=50,5",
		"missing rssi":    "+RCV=50,5,HELLO",
		"bad address":     "+RCV=x,5,HELLO,-99,40",
		"bad snr":         "+RCV=50,5,HELLO,-99,q",
		"length mismatch": "+RCV=50,9,HELLO,-99,40",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRCV(in)
			assert.ErrorIs(t, err, ErrMalformedRCV)
		})
	}
}

func TestLineSplitter(t *testing.T) {
	s := NewLineSplitter(4)
	var lines []string
	for _, c := range []byte("abcdefg\nxy\r\n\r\nok\n") {
		if ln, ok := s.Feed(c); ok {
			lines = append(lines, ln)
		}
	}
	assert.Equal(t, []string{"xy", "ok"}, lines, "overlong line is discarded up to LF")
}

func TestWatcherObserve(t *testing.T) {
	before := metrics.Snap()
	w := NewWatcher(nil, 0)
	var got []Message
	w.OnMessage = func(m Message) { got = append(got, m) }

	w.Observe([]byte("+RCV=50,5,HE"))
	w.Observe([]byte("LLO,-99,40\r\n+OK\r\n"))
	w.Observe([]byte("+RCV=bad\r\n"))

	require.Len(t, got, 1)
	assert.Equal(t, "HELLO", got[0].Data)
	after := metrics.Snap()
	assert.Equal(t, before.RCV+1, after.RCV)
	assert.Equal(t, before.Malformed+1, after.Malformed)
}
