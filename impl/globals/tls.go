package globals

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientTls builds the TLS configuration used to connect to a registry. Supports:
//   - 1-way: the registry's cert is verified using the passed CA, or the OS trust
//     store if no CA is provided
//   - mTLS: additionally the passed client cert and key are presented to the registry
//
// If nothing is specified then a nil tls.Config is returned meaning the Go defaults
// apply.
func ClientTls(ca, cert, key string, insecureSkipVerify bool) (*tls.Config, error) {
	if ca == "" && cert == "" && key == "" && !insecureSkipVerify {
		return nil, nil
	}
	cfg := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
	}
	if ca != "" {
		caCert, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("unable to load CA from file %s: %w", ca, err)
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in CA file %s", ca)
		}
		cfg.RootCAs = cp
	}
	if (cert == "") != (key == "") {
		return nil, fmt.Errorf("client cert and key must both be specified: cert=%q key=%q", cert, key)
	}
	if cert != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("unable to load client cert and/or key from files: cert: %s, key: %s: %w", cert, key, err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
