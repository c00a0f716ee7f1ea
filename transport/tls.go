package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/edgecore/gg-cert-core/config"
)

// buildTLSConfig loads the broker TLS material named by cfg, returning
// nil if none is configured (unauthenticated/plaintext broker, used in
// local development and tests).
func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" && cfg.CAFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, certInvalidCAFile(cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

type invalidCAFileError string

func (e invalidCAFileError) Error() string {
	return "no certificates found in CA file: " + string(e)
}

func certInvalidCAFile(path string) error {
	return invalidCAFileError(path)
}
