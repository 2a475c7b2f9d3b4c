package main

import "time"

const (
	txQueueSize       = 64   // completed lines queued for the UART TX worker
	uartReadBufSize   = 4096 // per read() buffer for the UART reader
	consoleReadBuf    = 256  // per read() buffer for stdin
	rxQueueChunks     = 256  // chunks buffered between a reader goroutine and the loop
	maxWatchedLineLen = 512  // longest UART line inspected for +RCV notifications
)

const (
	rxBackoffMin  = 20 * time.Millisecond
	rxBackoffMax  = 500 * time.Millisecond
	shutdownGrace = 2 * time.Second
)
