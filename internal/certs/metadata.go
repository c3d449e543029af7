package certs

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// BundleExpiry returns the earliest NotAfter among the certificates in the
// PEM bundle at caPath.
func BundleExpiry(caPath string) (time.Time, error) {
	if caPath == "" {
		return time.Time{}, fmt.Errorf("ca bundle path is empty")
	}
	data, err := os.ReadFile(caPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("read ca bundle: %w", err)
	}
	var earliest time.Time
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse certificate: %w", err)
		}
		if earliest.IsZero() || cert.NotAfter.Before(earliest) {
			earliest = cert.NotAfter
		}
	}
	if earliest.IsZero() {
		return time.Time{}, fmt.Errorf("decode ca bundle: no certificates found")
	}
	return earliest, nil
}
