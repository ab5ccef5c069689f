package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_localboard._tcp"

var ErrNoHost = errors.New("no board host found on the local network")

// Advertise announces a board host on port over mDNS. Call Shutdown on the
// returned server to withdraw the announcement.
func Advertise(port int, ips []net.IP) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}
	if len(ips) == 0 {
		ips = []net.IP{firstIPv4()}
	}
	service, err := mdns.NewMDNSService(host, serviceType, "", "", port, ips, []string{"LocalBoard"})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return server, nil
}

// Browse looks for an advertised host for up to timeout and returns the
// first one found as host:port.
func Browse(ctx context.Context, timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan string, 1)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range entries {
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			select {
			case found <- net.JoinHostPort(e.AddrV4.String(), fmt.Sprint(e.Port)):
			default:
			}
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-collected

	select {
	case addr := <-found:
		return addr, nil
	default:
	}
	if err != nil {
		return "", fmt.Errorf("mDNS lookup: %w", err)
	}
	return "", ErrNoHost
}

// firstIPv4 returns the first IPv4 address of an up, non-loopback interface.
func firstIPv4() net.IP {
	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.To4()
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
