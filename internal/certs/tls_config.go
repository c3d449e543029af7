package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// PrinterTLSConfig builds the TLS configuration for a printer's MQTT broker.
// Bambu printers present a certificate whose common name is the printer
// serial, signed by the vendor CA. When caPath is empty the certificate is not
// verified, since most installs have no copy of that CA.
func PrinterTLSConfig(caPath, serial string) (*tls.Config, error) {
	if caPath == "" {
		return &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // printers use self-signed certificates
		}, nil
	}
	if serial == "" {
		return nil, fmt.Errorf("printer serial is required to verify against a CA")
	}

	data, err := os.ReadFile(filepath.Clean(caPath))
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid CA bundle %q", caPath)
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    roots,
		ServerName: serial,
	}, nil
}
