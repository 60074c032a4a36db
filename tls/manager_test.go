package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// stubInstall replaces truststore with a function that writes placeholder
// files and counts its calls.
func stubInstall(t *testing.T, mgr *Manager) *int {
	t.Helper()
	calls := 0
	mgr.install = func(hosts []string, dir string) (string, string, error) {
		calls++
		cert := filepath.Join(dir, "issued.pem")
		key := filepath.Join(dir, "issued-key.pem")
		os.WriteFile(cert, []byte("cert"), 0600)
		os.WriteFile(key, []byte("key"), 0600)
		return cert, key, nil
	}
	return &calls
}

func TestNewManager(t *testing.T) {
	tmpDir := t.TempDir()
	mgr := NewManager(tmpDir)

	expectedTLSDir := filepath.Join(tmpDir, "tls")
	if mgr.tlsDir != expectedTLSDir {
		t.Errorf("tlsDir = %q, want %q", mgr.tlsDir, expectedTLSDir)
	}
	if want := filepath.Join(expectedTLSDir, "server.crt"); mgr.CertFile() != want {
		t.Errorf("CertFile() = %q, want %q", mgr.CertFile(), want)
	}
	if want := filepath.Join(expectedTLSDir, "server.key"); mgr.KeyFile() != want {
		t.Errorf("KeyFile() = %q, want %q", mgr.KeyFile(), want)
	}
	if want := filepath.Join(tmpDir, "ca", "rootCA.pem"); mgr.caCertFile != want {
		t.Errorf("caCertFile = %q, want %q", mgr.caCertFile, want)
	}
}

func TestManager_EnsureCertificates(t *testing.T) {
	mgr := NewManager(t.TempDir())
	calls := stubInstall(t, mgr)

	cert, key, err := mgr.EnsureCertificates("agent.example")
	if err != nil {
		t.Fatalf("EnsureCertificates failed: %v", err)
	}
	if cert != mgr.CertFile() || key != mgr.KeyFile() {
		t.Errorf("Got (%q, %q), want the manager's paths", cert, key)
	}
	if !mgr.certsExist() {
		t.Fatal("Expected issued files to be moved into place")
	}
	if *calls != 1 {
		t.Fatalf("Expected 1 install, got %d", *calls)
	}

	cached, err := mgr.readCachedHosts()
	if err != nil {
		t.Fatalf("readCachedHosts failed: %v", err)
	}
	if !strings.Contains(strings.Join(cached, " "), "agent.example") {
		t.Errorf("Expected extra host in cache, got %v", cached)
	}

	// Same hosts: reuse.
	if _, _, err := mgr.EnsureCertificates("agent.example"); err != nil {
		t.Fatalf("EnsureCertificates failed: %v", err)
	}
	if *calls != 1 {
		t.Errorf("Expected existing certificate to be reused, got %d installs", *calls)
	}

	// New host: reissue.
	if _, _, err := mgr.EnsureCertificates("agent.example", "10.9.8.7"); err != nil {
		t.Fatalf("EnsureCertificates failed: %v", err)
	}
	if *calls != 2 {
		t.Errorf("Expected reissue after host change, got %d installs", *calls)
	}
}

func TestManager_EnsureCertificatesInstallError(t *testing.T) {
	mgr := NewManager(t.TempDir())
	installErr := errors.New("user cancelled")
	mgr.install = func([]string, string) (string, string, error) {
		return "", "", installErr
	}

	if _, _, err := mgr.EnsureCertificates(); !errors.Is(err, installErr) {
		t.Fatalf("Expected install error, got %v", err)
	}
}

func TestHostsChanged(t *testing.T) {
	mgr := NewManager(t.TempDir())
	os.MkdirAll(mgr.tlsDir, 0700)

	if !mgr.hostsChanged([]string{"localhost"}) {
		t.Error("Expected hostsChanged=true when no cached hosts exist")
	}

	if err := mgr.writeCachedHosts([]string{"localhost", "127.0.0.1"}); err != nil {
		t.Fatalf("writeCachedHosts failed: %v", err)
	}

	tests := []struct {
		name  string
		hosts []string
		want  bool
	}{
		{"same hosts", []string{"localhost", "127.0.0.1"}, false},
		{"different order", []string{"127.0.0.1", "localhost"}, false},
		{"more hosts", []string{"localhost", "127.0.0.1", "192.168.1.1"}, true},
		{"fewer hosts", []string{"localhost"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mgr.hostsChanged(tt.hosts); got != tt.want {
				t.Errorf("hostsChanged(%v) = %v, want %v", tt.hosts, got, tt.want)
			}
		})
	}
}

func TestCertsExist(t *testing.T) {
	mgr := NewManager(t.TempDir())
	os.MkdirAll(mgr.tlsDir, 0700)

	if mgr.certsExist() {
		t.Error("Expected certsExist=false when no certs")
	}

	os.WriteFile(mgr.certFile, []byte("cert"), 0600)
	if mgr.certsExist() {
		t.Error("Expected certsExist=false when only cert exists")
	}

	os.WriteFile(mgr.keyFile, []byte("key"), 0600)
	if !mgr.certsExist() {
		t.Error("Expected certsExist=true when both files exist")
	}
}

func TestManager_CAFingerprint(t *testing.T) {
	mgr := NewManager(t.TempDir())

	if _, err := mgr.CAFingerprint(); err == nil {
		t.Fatal("Expected error without a CA")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate failed: %v", err)
	}

	os.MkdirAll(mgr.caDir, 0700)
	os.WriteFile(mgr.caCertFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600)

	fp, err := mgr.CAFingerprint()
	if err != nil {
		t.Fatalf("CAFingerprint failed: %v", err)
	}
	if parts := strings.Split(fp, ":"); len(parts) != 32 {
		t.Errorf("Expected 32 hex pairs, got %q", fp)
	}

	os.WriteFile(mgr.caCertFile, []byte("not pem"), 0600)
	if _, err := mgr.CAFingerprint(); err == nil {
		t.Error("Expected error for a malformed CA file")
	}
}
