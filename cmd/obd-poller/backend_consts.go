package main

import "time"

const (
	serialReadBufSize = 4096 // per read() buffer for serial backend
	// largeBufferReclaimThreshold is the capacity above which the serial RX
	// accumulation buffer is discarded and reallocated once empty, so a burst
	// of line noise does not pin a large backing array.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
	// demoResponseDelay approximates ECU turnaround on the simulated bus.
	demoResponseDelay = 2 * time.Millisecond
)
