package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

type AgentConfig struct {
	Servers        string // Comma separated list of server addresses
	MachineID      string
	PropertiesFile string
	LANDiscovery   bool
	ControlRPC     bool

	// TLS configuration
	TLS TLSConfig
}

type TLSConfig struct {
	CertFile   string
	SkipVerify bool
}

// Enabled reports whether connections should be upgraded to TLS.
func (c *TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.SkipVerify
}

// Build returns the tls.Config for outbound connections, or nil when TLS is
// not configured. SkipVerify accepts any peer without certificate validation
// and exists for debugging only.
func (c *TLSConfig) Build() (*tls.Config, error) {
	if c.SkipVerify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	if c.CertFile == "" {
		return nil, nil
	}

	cert, err := os.ReadFile(c.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(cert) {
		return nil, fmt.Errorf("no certificates found in %s", c.CertFile)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
