package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSerial = "01S00A123456789"

func startPrinterTLS(t *testing.T, caCert []byte, caKey *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	serverCert, serverKey := mustCreateServerCert(t, caCert, caKey, testSerial)
	serverTLSCert, err := tls.X509KeyPair(serverCert, serverKey)
	if err != nil {
		t.Fatalf("load server keypair: %v", err)
	}
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.TLS = &tls.Config{Certificates: []tls.Certificate{serverTLSCert}}
	server.StartTLS()
	t.Cleanup(server.Close)
	return server
}

func TestProbeVerifiesAgainstCA(t *testing.T) {
	caCert, caKey := mustCreateCA(t)
	server := startPrinterTLS(t, caCert, caKey)

	caPath := filepath.Join(t.TempDir(), "bambu-ca.pem")
	if err := os.WriteFile(caPath, caCert, 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}

	cfg, err := PrinterTLSConfig(caPath, testSerial)
	if err != nil {
		t.Fatalf("PrinterTLSConfig: %v", err)
	}
	if cfg.ServerName != testSerial || cfg.InsecureSkipVerify {
		t.Fatalf("unexpected tls config: server=%q insecure=%t", cfg.ServerName, cfg.InsecureSkipVerify)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := Probe(ctx, server.Listener.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}
	if res.PeerSubject != testSerial {
		t.Fatalf("unexpected peer subject %q", res.PeerSubject)
	}
}

func TestProbeRejectsWrongSerial(t *testing.T) {
	caCert, caKey := mustCreateCA(t)
	server := startPrinterTLS(t, caCert, caKey)

	caPath := filepath.Join(t.TempDir(), "bambu-ca.pem")
	if err := os.WriteFile(caPath, caCert, 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	cfg, err := PrinterTLSConfig(caPath, "01P00OTHER")
	if err != nil {
		t.Fatalf("PrinterTLSConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Probe(ctx, server.Listener.Addr().String(), cfg); err == nil {
		t.Fatalf("expected verification failure for mismatched serial")
	}
}

func TestProbeWithoutCASkipsVerification(t *testing.T) {
	caCert, caKey := mustCreateCA(t)
	server := startPrinterTLS(t, caCert, caKey)

	cfg, err := PrinterTLSConfig("", "")
	if err != nil {
		t.Fatalf("PrinterTLSConfig: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Probe(ctx, server.Listener.Addr().String(), cfg); err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}
}

func TestPrinterTLSConfigInvalidBundle(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(caPath, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := PrinterTLSConfig(caPath, testSerial); err == nil {
		t.Fatalf("expected error for invalid bundle")
	}
	if _, err := PrinterTLSConfig(caPath, ""); err == nil {
		t.Fatalf("expected error when serial missing")
	}
}

func mustCreateCA(t *testing.T) ([]byte, *rsa.PrivateKey) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Chibichonk Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), priv
}

func mustCreateServerCert(t *testing.T, caCertPEM []byte, caKey *rsa.PrivateKey, name string) ([]byte, []byte) {
	caCert, err := parseCert(caCertPEM)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{name},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &priv.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create server cert: %v", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
}

func parseCert(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode pem")
	}
	return x509.ParseCertificate(block.Bytes)
}
