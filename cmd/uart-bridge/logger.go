package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "uart-bridge")
	logging.Set(l)
	return l
}
