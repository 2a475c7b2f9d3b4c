package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	ConsoleRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_rx_bytes_total",
		Help: "Total bytes typed on the console and consumed by the line editor.",
	})
	ConsoleTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_tx_bytes_total",
		Help: "Total bytes written to the console (echo, status lines and UART data).",
	})
	UARTRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uart_rx_bytes_total",
		Help: "Total bytes read from the UART and forwarded to the console.",
	})
	UARTTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uart_tx_bytes_total",
		Help: "Total bytes written to the UART.",
	})
	UARTTxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uart_tx_lines_total",
		Help: "Total completed console lines written to the UART.",
	})
	LineOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "line_overflows_total",
		Help: "Total console bytes that hit a full line buffer.",
	})
	RCVMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rcv_messages_total",
		Help: "Total +RCV radio receive notifications seen on the UART.",
	})
	MalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_lines_total",
		Help: "Total UART lines that looked like notifications but failed to parse.",
	})
	ATCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_commands_total",
		Help: "Total AT commands sent by the init script.",
	})
	HubDroppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_chunks_total",
		Help: "Total console output chunks dropped by the hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected console clients.",
	})
	ReadyIndicator = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ready_indicator",
		Help: "State of the readiness indicator (1 = firmware loaded and passthrough running).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrConsoleRead    = "console_read"
	ErrConsoleWrite   = "console_write"
	ErrATCommand      = "at_command"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for log snapshots without scraping.
var (
	localConsoleRx  uint64
	localConsoleTx  uint64
	localUARTRx     uint64
	localUARTTx     uint64
	localUARTLines  uint64
	localOverflows  uint64
	localRCV        uint64
	localMalformed  uint64
	localATCommands uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localErrors     uint64
	localIndicator  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	ConsoleRx  uint64
	ConsoleTx  uint64
	UARTRx     uint64
	UARTTx     uint64
	UARTLines  uint64
	Overflows  uint64
	RCV        uint64
	Malformed  uint64
	ATCommands uint64
	HubDrops   uint64
	HubKicks   uint64
	HubRejects uint64
	HubClients uint64
	Errors     uint64 // sum across error labels
	Indicator  bool
}

func Snap() Snapshot {
	return Snapshot{
		ConsoleRx:  atomic.LoadUint64(&localConsoleRx),
		ConsoleTx:  atomic.LoadUint64(&localConsoleTx),
		UARTRx:     atomic.LoadUint64(&localUARTRx),
		UARTTx:     atomic.LoadUint64(&localUARTTx),
		UARTLines:  atomic.LoadUint64(&localUARTLines),
		Overflows:  atomic.LoadUint64(&localOverflows),
		RCV:        atomic.LoadUint64(&localRCV),
		Malformed:  atomic.LoadUint64(&localMalformed),
		ATCommands: atomic.LoadUint64(&localATCommands),
		HubDrops:   atomic.LoadUint64(&localHubDrop),
		HubKicks:   atomic.LoadUint64(&localHubKick),
		HubRejects: atomic.LoadUint64(&localHubReject),
		HubClients: atomic.LoadUint64(&localHubClients),
		Errors:     atomic.LoadUint64(&localErrors),
		Indicator:  atomic.LoadUint64(&localIndicator) == 1,
	}
}

// Wrapper helpers to keep call sites simple.
func AddConsoleRx(n int) {
	ConsoleRxBytes.Add(float64(n))
	atomic.AddUint64(&localConsoleRx, uint64(n))
}

func AddConsoleTx(n int) {
	ConsoleTxBytes.Add(float64(n))
	atomic.AddUint64(&localConsoleTx, uint64(n))
}

func AddUARTRx(n int) {
	UARTRxBytes.Add(float64(n))
	atomic.AddUint64(&localUARTRx, uint64(n))
}

// AddUARTTx records one UART write of n bytes.
func AddUARTTx(n int) {
	UARTTxBytes.Add(float64(n))
	atomic.AddUint64(&localUARTTx, uint64(n))
}

func IncUARTLines() {
	UARTTxLines.Inc()
	atomic.AddUint64(&localUARTLines, 1)
}

func IncLineOverflow() {
	LineOverflows.Inc()
	atomic.AddUint64(&localOverflows, 1)
}

func IncRCV() {
	RCVMessages.Inc()
	atomic.AddUint64(&localRCV, 1)
}

func IncMalformed() {
	MalformedLines.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncATCommand() {
	ATCommands.Inc()
	atomic.AddUint64(&localATCommands, 1)
}

func IncHubDrop() {
	HubDroppedChunks.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetIndicator mirrors the readiness indicator state.
func SetIndicator(on bool) {
	var v uint64
	if on {
		v = 1
	}
	ReadyIndicator.Set(float64(v))
	atomic.StoreUint64(&localIndicator, v)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error series so dashboards see zeros before the first error.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrConsoleRead, ErrConsoleWrite, ErrATCommand,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet: report ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
