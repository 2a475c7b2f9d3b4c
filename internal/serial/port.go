package serial

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// Driver names accepted by Open.
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown serial driver")

// Port abstracts the serial libraries for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// DTRSetter is implemented by ports that can drive the DTR modem line.
type DTRSetter interface {
	SetDTR(dtr bool) error
}

// Config describes the UART handle. The line format is always 8-N-1.
type Config struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
	Driver      string // tarm (default) or bugst
}

// Open opens the serial device with the selected driver.
func Open(cfg Config) (Port, error) {
	switch cfg.Driver {
	case "", DriverTarm:
		p, err := tarm.OpenPort(&tarm.Config{
			Name:        cfg.Name,
			Baud:        cfg.Baud,
			ReadTimeout: cfg.ReadTimeout,
			Size:        8,
			Parity:      tarm.ParityNone,
			StopBits:    tarm.Stop1,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverBugst:
		p, err := bugst.Open(cfg.Name, &bugst.Mode{
			BaudRate: cfg.Baud,
			DataBits: 8,
			Parity:   bugst.NoParity,
			StopBits: bugst.OneStopBit,
		})
		if err != nil {
			return nil, err
		}
		if cfg.ReadTimeout > 0 {
			if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
				_ = p.Close()
				return nil, fmt.Errorf("set read timeout: %w", err)
			}
		}
		return bugstPort{p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// bugstPort reports a closed or vanished device as os.ErrClosed so the
// reader loop treats it as fatal instead of backing off.
type bugstPort struct{ bugst.Port }

func (p bugstPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	return n, mapReadErr(err)
}

func mapReadErr(err error) error {
	if err == nil {
		return nil
	}
	var coded interface{ Code() bugst.PortErrorCode }
	if errors.As(err, &coded) && coded.Code() == bugst.PortClosed {
		return fmt.Errorf("%w: %v", os.ErrClosed, err)
	}
	if errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.ENODEV) {
		return fmt.Errorf("%w: %v", os.ErrClosed, err)
	}
	return err
}

var (
	_ Port      = (*tarm.Port)(nil)
	_ Port      = bugstPort{}
	_ DTRSetter = bugstPort{}
)
