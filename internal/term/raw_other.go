//go:build !linux

package term

import "errors"

// ErrUnsupported is returned by MakeRaw on platforms without termios support here.
var ErrUnsupported = errors.New("raw terminal mode unsupported on this platform")

type State struct{}

func IsTerminal(fd int) bool { return false }

func MakeRaw(fd int) (*State, error) { return nil, ErrUnsupported }

func (s *State) Restore() error { return nil }
