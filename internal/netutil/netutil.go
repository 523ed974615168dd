package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// IsIPv6 reports whether addr parses as an IPv6 literal. A zone suffix
// ("%eth0") and surrounding brackets are tolerated.
func IsIPv6(addr string) bool {
	addr = strings.Trim(addr, "[]")
	if i := strings.IndexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() == nil
}

// FormatHostForURL wraps IPv6 literals in brackets so they can be joined
// with a port in URLs and dial strings.
func FormatHostForURL(host string) string {
	if IsIPv6(host) {
		return "[" + strings.Trim(host, "[]") + "]"
	}
	return host
}

// HostPort joins host and port, bracketing IPv6 literals.
func HostPort(host string, port int) string {
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}

// ParseAddress splits "host:port", "[v6]:port" or a bare host. Port is 0
// when absent.
func ParseAddress(address string) (host string, port int, err error) {
	if !strings.Contains(address, ":") || (strings.HasPrefix(address, "[") && !strings.Contains(address, "]:")) {
		return strings.Trim(address, "[]"), 0, nil
	}
	// Bare IPv6 literal without brackets or port.
	if strings.Count(address, ":") > 1 && !strings.HasPrefix(address, "[") {
		return address, 0, nil
	}
	h, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("parse address %q: %w", address, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("parse port %q: %w", p, err)
	}
	return h, n, nil
}

// IsPortAvailable reports whether a TCP listener can be bound on the port.
func IsPortAvailable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// WaitForListener polls until a TCP connection to addr succeeds or the
// deadline passes. Used as a process readiness check for servers that
// expose a port.
func WaitForListener(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no listener on %s after %s: %w", addr, timeout, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// LocalIP returns a non-loopback address of this host, preferring IPv6
// when asked. Falls back to 127.0.0.1 when nothing better is found.
func LocalIP(preferIPv6 bool) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	var v4, v6 []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipnet.IP.To4() != nil {
			v4 = append(v4, ipnet.IP.String())
		} else {
			v6 = append(v6, ipnet.IP.String())
		}
	}

	switch {
	case preferIPv6 && len(v6) > 0:
		return v6[0]
	case len(v4) > 0:
		return v4[0]
	case len(v6) > 0:
		return v6[0]
	default:
		return "127.0.0.1"
	}
}
