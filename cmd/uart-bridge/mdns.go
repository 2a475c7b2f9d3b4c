package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_uart-bridge._tcp"

// machineIDFn is a hook for tests.
var machineIDFn = func() (string, error) { return machineid.ProtectedID("uart-bridge") }

// mdnsInstance returns the configured instance name or uart-bridge-<hostname>.
func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("uart-bridge-%s", host)
}

// mdnsTXT builds the TXT records. The id record is omitted when no machine id is available.
func mdnsTXT(cfg *appConfig) []string {
	meta := []string{
		"device=" + cfg.serialDev,
		"baud=" + strconv.Itoa(cfg.baud),
		"version=" + version,
		"commit=" + commit,
	}
	if id, err := machineIDFn(); err == nil && id != "" {
		if len(id) > 16 {
			id = id[:16]
		}
		meta = append(meta, "id="+id)
	}
	return meta
}

// startMDNS registers the TCP console via mDNS and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
