package net

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// LinkScheme prefixes share links handed to other participants.
const LinkScheme = "localboard://"

// OutgoingIP finds the local address other machines on the LAN can reach.
// No packet is sent; dialing UDP only selects a route.
func OutgoingIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		// No default route: fall back to scanning interfaces.
		ip := firstIPv4()
		if ip.IsLoopback() {
			slog.Warn("no suitable local IP found, share link will only work on this machine")
		}
		return ip.String()
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// ShareLink builds the link a participant passes to "join".
func ShareLink(ip string, port int) string {
	return LinkScheme + net.JoinHostPort(ip, fmt.Sprint(port))
}

// ParseLink turns a share link, a bare host:port or an http URL into the
// server's base URL.
func ParseLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	switch {
	case strings.HasPrefix(link, "http://"), strings.HasPrefix(link, "https://"):
		return strings.TrimSuffix(link, "/"), nil
	case strings.HasPrefix(link, LinkScheme):
		link = strings.TrimPrefix(link, LinkScheme)
	}
	link = strings.TrimSuffix(link, "/")
	host, port, err := net.SplitHostPort(link)
	if err != nil {
		return "", fmt.Errorf("invalid board link %q: %w", link, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid board link %q: missing port", link)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
