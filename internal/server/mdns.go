package server

import (
	"fmt"
	"net"
	"os"

	"github.com/enbility/zeroconf/v3"
)

const (
	ServiceType = "_gaugewatch._tcp"
	Domain      = "local."
)

// Advertiser publishes the status endpoint over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the endpoint on port. An empty instance name uses
// the host name. iface restricts the announcement to one interface; empty
// means all of them.
func Advertise(instance string, port int, iface string, txt ...string) (*Advertiser, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("mdns: hostname: %w", err)
		}
		instance = "gaugewatch-" + host
	}

	var ifaces []net.Interface
	if iface != "" {
		i, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("mdns: %w", err)
		}
		ifaces = []net.Interface{*i}
	}

	srv, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, ifaces)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", ServiceType, err)
	}
	return &Advertiser{server: srv}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}
