package tls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager keeps a locally trusted CA and a server certificate covering every
// name the agent can be reached by, so host apps can use wss://.
type Manager struct {
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string
	log        zerolog.Logger

	// install trusts the CA and issues a certificate for hosts into dir.
	install func(hosts []string, dir string) (certFile, keyFile string, err error)
}

// NewManager creates a manager storing its material under configDir.
func NewManager(configDir string) *Manager {
	tlsDir := filepath.Join(configDir, "tls")
	caDir := filepath.Join(configDir, "ca")
	m := &Manager{
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		log:        log.With().Str("component", "tls").Logger(),
	}
	m.install = m.truststoreInstall
	return m
}

// EnsureCertificates returns the server certificate and key, issuing new
// ones when they are missing or the set of reachable hosts changed.
// Installing the CA may prompt the user for a password.
func (m *Manager) EnsureCertificates(extraHosts ...string) (certFile, keyFile string, err error) {
	if err := os.MkdirAll(m.tlsDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create TLS directory: %w", err)
	}

	hosts, err := GetAllHosts(extraHosts...)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to get LAN IPs")
	}
	m.log.Debug().Strs("hosts", hosts).Msg("hosts for certificate")

	switch {
	case !m.certsExist():
		m.log.Info().Msg("certificates not found, generating")
	case m.hostsChanged(hosts):
		m.log.Info().Msg("network configuration changed, regenerating certificates")
	default:
		m.log.Info().Msg("using existing certificates")
		return m.certFile, m.keyFile, nil
	}

	if err := m.generateCertificates(hosts); err != nil {
		return "", "", err
	}
	return m.certFile, m.keyFile, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

// hostsChanged compares hosts against the set the current certificate was
// issued for. Order does not matter.
func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil {
		return true
	}

	want := slices.Clone(hosts)
	slices.Sort(cached)
	slices.Sort(want)
	return !slices.Equal(cached, want)
}

func (m *Manager) readCachedHosts() ([]string, error) {
	data, err := os.ReadFile(m.hostsFile)
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(data)), nil
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0600)
}

func (m *Manager) generateCertificates(hosts []string) error {
	m.log.Info().Strs("hosts", hosts).Msg("issuing server certificate")

	certFile, keyFile, err := m.install(hosts, m.tlsDir)
	if err != nil {
		return err
	}

	if certFile != m.certFile {
		if err := os.Rename(certFile, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if keyFile != m.keyFile {
		if err := os.Rename(keyFile, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		m.log.Warn().Err(err).Msg("failed to cache hosts")
	}

	if fingerprint, err := m.CAFingerprint(); err == nil {
		m.log.Info().Str("fingerprint", fingerprint).Str("cert", m.certFile).Msg("certificate generated")
	}
	return nil
}

// truststoreInstall creates the CA under caDir if needed, installs it in the
// system trust store and issues a certificate for hosts.
func (m *Manager) truststoreInstall(hosts []string, dir string) (string, string, error) {
	if err := os.MkdirAll(m.caDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create CA directory: %w", err)
	}
	// truststore reads its CA location from the environment.
	os.Setenv("CAROOT", m.caDir)

	ml, err := truststore.NewLib()
	if err != nil {
		return "", "", fmt.Errorf("failed to initialize truststore: %w", err)
	}

	m.log.Info().Msg("ensuring CA is installed in system trust store (you may be prompted for your password)")
	if err := ml.Install(); err != nil {
		return "", "", fmt.Errorf("failed to install CA: %w", err)
	}

	cert, err := ml.MakeCert(hosts, dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate certificate: %w", err)
	}
	return cert.CertFile, cert.KeyFile, nil
}

// CertFile returns the path to the server certificate.
func (m *Manager) CertFile() string {
	return m.certFile
}

// KeyFile returns the path to the server key.
func (m *Manager) KeyFile() string {
	return m.keyFile
}

// CAFingerprint returns the SHA256 fingerprint of the CA certificate as
// colon-separated hex, for users to compare when trusting it on a device.
func (m *Manager) CAFingerprint() (string, error) {
	certPEM, err := m.ReadCACert()
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// ReadCACert returns the PEM-encoded CA certificate.
func (m *Manager) ReadCACert() ([]byte, error) {
	return os.ReadFile(m.caCertFile)
}
