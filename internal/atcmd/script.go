package atcmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Script defaults.
const (
	DefaultResponseTimeout = 2 * time.Second
	DefaultSettle          = 200 * time.Millisecond
	DefaultPollInterval    = 20 * time.Millisecond
)

// ErrEmptyScript is returned when a script lists no commands.
var ErrEmptyScript = errors.New("init script has no commands")

// Script is an AT command sequence run against the UART before passthrough.
type Script struct {
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	Settle          time.Duration `yaml:"settle"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Commands        []string      `yaml:"commands"`
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := ParseScript(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScript decodes a YAML script, rejecting unknown keys, and fills defaults.
func ParseScript(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyScript
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	cmds := s.Commands[:0]
	for _, c := range s.Commands {
		if c = strings.TrimSpace(c); c != "" {
			cmds = append(cmds, c)
		}
	}
	s.Commands = cmds
	if len(s.Commands) == 0 {
		return nil, ErrEmptyScript
	}
	s.applyDefaults()
	return &s, nil
}

func (s *Script) applyDefaults() {
	if s.ResponseTimeout <= 0 {
		s.ResponseTimeout = DefaultResponseTimeout
	}
	if s.Settle <= 0 {
		s.Settle = DefaultSettle
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
}
