// Package tls manages the local CA and server certificate that let host apps
// reach the agent over wss://.
package tls

import (
	"net"
	"os"
	"strings"
)

// GetLANIPs returns all local IPv4 addresses (non-loopback).
func GetLANIPs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

// MDNSHostname returns the name this machine answers to over mDNS, or ""
// when the hostname is unknown.
func MDNSHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return ""
	}
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if !strings.HasSuffix(name, ".local") {
		name += ".local"
	}
	return name
}

// GetAllHosts returns localhost, the mDNS name and LAN IPs for certificate
// generation, followed by extra. Duplicates are dropped. On error the hosts
// gathered so far are still returned.
func GetAllHosts(extra ...string) ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	if name := MDNSHostname(); name != "" {
		hosts = append(hosts, name)
	}

	lanIPs, err := GetLANIPs()
	hosts = append(hosts, lanIPs...)
	hosts = append(hosts, extra...)
	return dedupHosts(hosts), err
}

func dedupHosts(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := hosts[:0]
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
