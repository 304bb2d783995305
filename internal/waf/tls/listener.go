// Package tls builds the TLS-wrapped listener for the gateway's
// HTTPS endpoint.
package tls

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/formwarden/waf/internal/common/configtypes"
)

// Listen creates a TLS listener from the server TLS config. TLS 1.2 is
// the floor; form endpoints see plenty of older embedded clients, so
// unlike an internal service we cannot require 1.3.
func Listen(cfg *configtypes.TLSConfig) (net.Listener, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("tls is not enabled")
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("tls requires cert_file and key_file")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	tcpListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}

	return tls.NewListener(tcpListener, tlsConfig), nil
}
