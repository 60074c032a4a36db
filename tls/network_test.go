package tls

import (
	"strings"
	"testing"
)

func TestGetLANIPs(t *testing.T) {
	ips, err := GetLANIPs()
	if err != nil {
		t.Fatalf("GetLANIPs failed: %v", err)
	}

	// Isolated containers may have none.
	t.Logf("Found LAN IPs: %v", ips)
}

func TestGetAllHosts(t *testing.T) {
	hosts, err := GetAllHosts("agent.example", "localhost", "")
	if err != nil {
		t.Fatalf("GetAllHosts failed: %v", err)
	}

	seen := map[string]int{}
	for _, h := range hosts {
		seen[h]++
	}

	for _, want := range []string{"localhost", "127.0.0.1", "agent.example"} {
		if seen[want] != 1 {
			t.Errorf("Expected %q exactly once, got %d in %v", want, seen[want], hosts)
		}
	}
	if seen[""] != 0 {
		t.Errorf("Expected no empty hosts, got %v", hosts)
	}
}

func TestMDNSHostname(t *testing.T) {
	name := MDNSHostname()
	if name == "" {
		t.Skip("hostname not available")
	}
	if !strings.HasSuffix(name, ".local") {
		t.Errorf("MDNSHostname() = %q, want .local suffix", name)
	}
	if name != strings.ToLower(name) {
		t.Errorf("MDNSHostname() = %q, want lower case", name)
	}
}
