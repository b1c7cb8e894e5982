// Package certutil loads TLS certificates and CA pools from PEM files.
package certutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// LoadCertificate loads a PEM certificate chain and private key pair for use
// as a tls.Config.Certificates entry, e.g. the server's own cert/key.
func LoadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: load certificate: %w", err)
	}
	return cert, nil
}

// LoadCAPool reads a PEM file of one or more CA certificates into a pool
// suitable for tls.Config.RootCAs, e.g. a client pinning a non-public CA.
func LoadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("certutil: read CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("certutil: no certificates found in %s", path)
	}
	return pool, nil
}
