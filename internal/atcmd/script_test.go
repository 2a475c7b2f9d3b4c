package atcmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScript(t *testing.T) {
	src := `
response_timeout: 1s
settle: 50ms
commands:
  - AT
  - "  "
  - AT+PARAMETER=12,7,1,4
`
	s, err := ParseScript(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.ResponseTimeout)
	assert.Equal(t, 50*time.Millisecond, s.Settle)
	assert.Equal(t, DefaultPollInterval, s.PollInterval)
	assert.Equal(t, []string{"AT", "AT+PARAMETER=12,7,1,4"}, s.Commands)
}

func TestParseScriptDefaults(t *testing.T) {
	s, err := ParseScript(strings.NewReader("commands: [AT]\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultResponseTimeout, s.ResponseTimeout)
	assert.Equal(t, DefaultSettle, s.Settle)
}

func TestParseScriptErrors(t *testing.T) {
	_, err := ParseScript(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyScript)

	_, err = ParseScript(strings.NewReader("commands: []\n"))
	assert.ErrorIs(t, err, ErrEmptyScript)

	_, err = ParseScript(strings.NewReader("command: [AT]\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.yaml")
	require.NoError(t, os.WriteFile(path, []byte("commands:\n  - AT+BAND=868500000\n"), 0o600))
	s, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AT+BAND=868500000"}, s.Commands)

	_, err = LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
