// Package discovery advertises a coordinator on the local network over mDNS
// and resolves it from clients.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/neboloop/tabsync/internal/logging"
)

const (
	Service = "_tabsync._tcp"
	Domain  = "local."
)

// ErrNotFound is returned when no coordinator answered before the deadline.
var ErrNotFound = errors.New("no coordinator found")

// InstanceName returns the default instance name for this host.
func InstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "tabsync-" + host
}

// Advertise registers the coordinator on port and keeps it advertised until
// ctx is done.
func Advertise(ctx context.Context, instance string, port int, txt ...string) error {
	if instance == "" {
		instance = InstanceName()
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, append([]string{"path=/"}, txt...), nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()
	logging.Logger().Info("mdns service registered", "instance", instance, "service", Service, "port", port)

	<-ctx.Done()
	return nil
}

// Lookup browses for coordinators and returns the base URL of the first one
// that answers. Bound the wait with a ctx deadline.
func Lookup(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", Service, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case e, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if u, err := entryURL(e); err == nil {
				logging.Logger().Debug("mdns coordinator found", "instance", e.Instance, "url", u)
				return u, nil
			}
		}
	}
}

// entryURL builds an http base URL from a service entry, preferring IPv4.
func entryURL(e *zeroconf.ServiceEntry) (string, error) {
	if e == nil || e.Port <= 0 {
		return "", errors.New("entry without port")
	}
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return "", errors.New("entry without address")
	}
	path := "/"
	for _, t := range e.Text {
		if v, ok := strings.CutPrefix(t, "path="); ok && v != "" {
			path = v
		}
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(e.Port)) + strings.TrimSuffix(path, "/"), nil
}
