package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_goopcall._tcp"
	Domain      = "local."
)

var ErrNoRelay = errors.New("no relay found on the local network")

// Advertisement is a running mDNS registration.
type Advertisement struct {
	srv *zeroconf.Server
}

// Advertise registers instance on the LAN under ServiceType.
func Advertise(instance string, port int) (*Advertisement, error) {
	if port <= 0 {
		return nil, fmt.Errorf("advertise: relay not listening")
	}
	srv, err := zeroconf.Register(instance, ServiceType, Domain, port, []string{"path=/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	log.Infof("advertising relay %q on port %d", instance, port)
	return &Advertisement{srv: srv}, nil
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	if a != nil && a.srv != nil {
		a.srv.Shutdown()
	}
}

// Discover browses the LAN and returns the websocket URL of the first relay
// that answers before ctx is done.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := resolver.Browse(browseCtx, ServiceType, Domain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return "", ErrNoRelay
			}
			if u := entryURL(e); u != "" {
				log.Infof("discovered relay %q at %s", e.Instance, u)
				return u, nil
			}
		case <-ctx.Done():
			return "", ErrNoRelay
		}
	}
}

func entryURL(e *zeroconf.ServiceEntry) string {
	if e == nil || e.Port == 0 {
		return ""
	}
	path := "/ws"
	for _, t := range e.Text {
		if len(t) > 5 && t[:5] == "path=" {
			path = t[5:]
		}
	}
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	default:
		return ""
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(e.Port)) + path
}
