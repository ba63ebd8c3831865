package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TemporalTLS builds the client TLS material for the Temporal
// connection. With no cert/key configured the dial stays plaintext and
// nil is returned.
func (c *Config) TemporalTLS() (*tls.Config, error) {
	if c.TemporalTLSCert == "" && c.TemporalTLSKey == "" {
		return nil, nil
	}

	pair, err := tls.LoadX509KeyPair(c.TemporalTLSCert, c.TemporalTLSKey)
	if err != nil {
		return nil, fmt.Errorf("load temporal client cert: %w", err)
	}

	out := &tls.Config{
		Certificates: []tls.Certificate{pair},
		ServerName:   c.TemporalTLSServerName,
	}
	if c.TemporalTLSCACert != "" {
		roots, err := loadCertPool(c.TemporalTLSCACert)
		if err != nil {
			return nil, err
		}
		out.RootCAs = roots
	}
	return out, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read temporal CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse temporal CA cert")
	}
	return pool, nil
}
