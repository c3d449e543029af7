package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// ProbeResult describes a completed TLS handshake.
type ProbeResult struct {
	Address     string
	Version     uint16
	PeerSubject string
	NotAfter    time.Time
	Elapsed     time.Duration
}

// Probe dials addr and completes a TLS handshake using tlsConfig. It is used
// to check that a printer's MQTT port is reachable before running.
func Probe(ctx context.Context, addr string, tlsConfig *tls.Config) (ProbeResult, error) {
	if tlsConfig == nil {
		return ProbeResult{}, fmt.Errorf("tls config is required")
	}

	start := time.Now()
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 5 * time.Second},
		Config:    tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("tls dial %s: %w", addr, err)
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return ProbeResult{}, fmt.Errorf("unexpected connection type %T", conn)
	}
	state := tlsConn.ConnectionState()
	if !state.HandshakeComplete {
		return ProbeResult{}, fmt.Errorf("handshake incomplete")
	}
	if len(state.PeerCertificates) == 0 {
		return ProbeResult{}, fmt.Errorf("no peer certificates received")
	}

	peer := state.PeerCertificates[0]
	return ProbeResult{
		Address:     addr,
		Version:     state.Version,
		PeerSubject: peer.Subject.CommonName,
		NotAfter:    peer.NotAfter,
		Elapsed:     time.Since(start),
	}, nil
}
