package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSConfig holds configuration for gateway TLS connections.
type TLSConfig struct {
	// RootCAs is the pool of trusted CA certificates.
	// Nil uses the system pool.
	RootCAs *x509.CertPool

	// ServerName overrides the name checked against the gateway certificate.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing - never use in production!
	InsecureSkipVerify bool
}

// NewClientTLSConfig creates a TLS configuration for a gateway client.
// A nil cfg yields the defaults.
func NewClientTLSConfig(cfg *TLSConfig) *tls.Config {
	if cfg == nil {
		cfg = &TLSConfig{}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,

		RootCAs:    cfg.RootCAs,
		ServerName: cfg.ServerName,

		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		// For testing only
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}

// LoadRootCAs returns the system pool extended with the PEM certificates in
// path.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read root CAs: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

// Certificate errors. Both are fatal: retrying cannot fix them.
var (
	ErrSSLHandshake       = errors.New("TLS handshake failed")
	ErrHostnameUnverified = errors.New("gateway hostname not verified")
)

// Classify maps certificate and handshake failures to ErrSSLHandshake or
// ErrHostnameUnverified, keeping the original error in the chain. Other
// errors are returned unchanged.
func Classify(err error) error {
	if err == nil || IsFatal(err) {
		return err
	}

	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return fmt.Errorf("%w: %w", ErrHostnameUnverified, err)
	}

	var (
		authErr    x509.UnknownAuthorityError
		invalidErr x509.CertificateInvalidError
		verifyErr  *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &authErr),
		errors.As(err, &invalidErr),
		errors.As(err, &verifyErr),
		errors.As(err, &recordErr):
		return fmt.Errorf("%w: %w", ErrSSLHandshake, err)
	}
	return err
}

// IsFatal reports whether err is a certificate failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSSLHandshake) || errors.Is(err, ErrHostnameUnverified)
}
