package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/line"
	"github.com/kstaniek/go-uart-bridge/internal/serial"
)

type appConfig struct {
	serialDev       string
	baud            int
	serialDriver    string
	serialReadTO    time.Duration
	console         string
	listenAddr      string
	lineBuffer      int
	overflow        string
	echo            bool
	rxBatch         int
	startupDelay    time.Duration
	idleSleep       time.Duration
	rxPin           string
	txPin           string
	indicator       string
	initScript      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	logMetricsEvery time.Duration
	listPorts       bool
}

func parseFlags() (*appConfig, bool) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

// parseArgs parses args into a config. A nil config means the arguments or
// environment were invalid (the error has already been printed).
func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyAMA0", "UART device path")
	fs.IntVar(&cfg.baud, "baud", 115200, "UART baud rate (8-N-1)")
	fs.StringVar(&cfg.serialDriver, "serial-driver", serial.DriverTarm, "Serial driver: tarm|bugst")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "UART read timeout")
	fs.StringVar(&cfg.console, "console", "stdio", "Console endpoint: stdio|tcp")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address (when -console=tcp)")
	fs.IntVar(&cfg.lineBuffer, "line-buffer", 1024, "Console line buffer capacity in bytes (CRLF included)")
	fs.StringVar(&cfg.overflow, "overflow", "reject", "Full line buffer policy: reject|flush")
	fs.BoolVar(&cfg.echo, "echo", true, "Echo typed characters (disable when the terminal echoes locally)")
	fs.IntVar(&cfg.rxBatch, "rx-batch", 1, "Max UART bytes forwarded to the console per loop iteration")
	fs.DurationVar(&cfg.startupDelay, "startup-delay", 2*time.Second, "Pause before the banner so a terminal can attach")
	fs.DurationVar(&cfg.idleSleep, "idle-sleep", time.Millisecond, "Sleep when neither side has data")
	fs.StringVar(&cfg.rxPin, "rx-pin", "", "RX wiring label shown in the banner (e.g., GP5)")
	fs.StringVar(&cfg.txPin, "tx-pin", "", "TX wiring label shown in the banner (e.g., GP4)")
	fs.StringVar(&cfg.indicator, "indicator", "none", "Readiness indicator: none|dtr (dtr requires -serial-driver=bugst)")
	fs.StringVar(&cfg.initScript, "init-script", "", "YAML file of AT commands run before passthrough")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 256, "Per-client output buffer (chunks)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the TCP console via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default uart-bridge-<hostname>)")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.listPorts, "list-ports", false, "List serial ports and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}

	// Explicit flags take precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Fprintf(os.Stderr, "environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges. It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.console {
	case "stdio", "tcp":
	default:
		return fmt.Errorf("invalid console: %s", c.console)
	}
	switch c.serialDriver {
	case serial.DriverTarm, serial.DriverBugst:
	default:
		return fmt.Errorf("invalid serial-driver: %s", c.serialDriver)
	}
	switch c.overflow {
	case "reject", "flush":
	default:
		return fmt.Errorf("invalid overflow: %s", c.overflow)
	}
	switch c.indicator {
	case "none":
	case "dtr":
		if c.serialDriver != serial.DriverBugst {
			return errors.New("indicator=dtr requires serial-driver=bugst")
		}
	default:
		return fmt.Errorf("invalid indicator: %s", c.indicator)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.listPorts {
		return nil
	}
	if c.serialDev == "" {
		return errors.New("serial must not be empty")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.lineBuffer < line.MinCapacity {
		return fmt.Errorf("line-buffer must be >= %d (got %d)", line.MinCapacity, c.lineBuffer)
	}
	if c.rxBatch <= 0 {
		return fmt.Errorf("rx-batch must be > 0 (got %d)", c.rxBatch)
	}
	if c.startupDelay < 0 {
		return fmt.Errorf("startup-delay must be >= 0")
	}
	if c.idleSleep < 0 {
		return fmt.Errorf("idle-sleep must be >= 0")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

func (c *appConfig) overflowPolicy() line.OverflowPolicy {
	if c.overflow == "flush" {
		return line.PolicyFlush
	}
	return line.PolicyReject
}

const envPrefix = "UART_BRIDGE_"

// envName maps a flag name to its environment variable (serial-read-timeout -> UART_BRIDGE_SERIAL_READ_TIMEOUT).
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides maps UART_BRIDGE_* environment variables to config fields
// unless the corresponding flag was set explicitly. Empty values are ignored.
// The first malformed value is returned as an error.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(name), err)
		}
	}
	lookup := func(name string) (string, bool) {
		if _, ok := set[name]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envName(name))
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int, min int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			if n < min {
				fail(name, fmt.Errorf("%d is below %d", n, min))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(name, err)
				return
			}
			if d < 0 {
				fail(name, fmt.Errorf("negative duration %s", v))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(name, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("serial", &c.serialDev)
	integer("baud", &c.baud, 1)
	str("serial-driver", &c.serialDriver)
	duration("serial-read-timeout", &c.serialReadTO)
	str("console", &c.console)
	str("listen", &c.listenAddr)
	integer("line-buffer", &c.lineBuffer, line.MinCapacity)
	str("overflow", &c.overflow)
	boolean("echo", &c.echo)
	integer("rx-batch", &c.rxBatch, 1)
	duration("startup-delay", &c.startupDelay)
	duration("idle-sleep", &c.idleSleep)
	str("rx-pin", &c.rxPin)
	str("tx-pin", &c.txPin)
	str("indicator", &c.indicator)
	str("init-script", &c.initScript)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// An empty value is meaningful here: it disables the endpoint.
		if v, ok := os.LookupEnv(envName("metrics-addr")); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	integer("hub-buffer", &c.hubBuffer, 1)
	str("hub-policy", &c.hubPolicy)
	integer("max-clients", &c.maxClients, 0)
	duration("client-read-timeout", &c.clientReadTO)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	duration("log-metrics-interval", &c.logMetricsEvery)
	return firstErr
}
