package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType is what cannelloni gateways advertise; domain local.
const mdnsServiceType = "_can-server._tcp"

var errNoGateway = errors.New("no cannelloni gateway found via mdns")

// browseFn is a hook for tests.
var browseFn = defaultBrowse

// defaultBrowse streams discovered gateways into entries until ctx ends.
func defaultBrowse(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	return r.Browse(ctx, mdnsServiceType, "local.", entries)
}

// discoverGateway returns host:port of the first gateway answering within timeout.
func discoverGateway(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := browseFn(ctx, entries); err != nil {
		return "", err
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return "", errNoGateway
			}
			if addr, ok := entryAddr(e); ok {
				return addr, nil
			}
		case <-ctx.Done():
			return "", errNoGateway
		}
	}
}

// entryAddr prefers IPv4 and falls back to IPv6.
func entryAddr(e *zeroconf.ServiceEntry) (string, bool) {
	if e == nil || e.Port <= 0 {
		return "", false
	}
	port := strconv.Itoa(e.Port)
	if len(e.AddrIPv4) > 0 {
		return net.JoinHostPort(e.AddrIPv4[0].String(), port), true
	}
	if len(e.AddrIPv6) > 0 {
		return net.JoinHostPort(e.AddrIPv6[0].String(), port), true
	}
	return "", false
}
