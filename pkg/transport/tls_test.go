package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientTLSConfig(t *testing.T) {
	pool := x509.NewCertPool()
	cfg := NewClientTLSConfig(&TLSConfig{RootCAs: pool, ServerName: "gw.example.com"})

	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Same(t, pool, cfg.RootCAs)
	assert.Equal(t, "gw.example.com", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Contains(t, cfg.CurvePreferences, tls.X25519)
}

func TestNewClientTLSConfigDefaults(t *testing.T) {
	cfg := NewClientTLSConfig(nil)
	assert.Nil(t, cfg.RootCAs)
	assert.Empty(t, cfg.ServerName)
}

func TestLoadRootCAs(t *testing.T) {
	_, cert := newTestServer(t, nil)
	dir := t.TempDir()

	path := filepath.Join(dir, "ca.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(t, os.WriteFile(path, pemData, 0o600))

	pool, err := LoadRootCAs(path)
	require.NoError(t, err)
	assert.NotNil(t, pool)

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing"), 0o600))
	_, err = LoadRootCAs(empty)
	assert.Error(t, err)

	_, err = LoadRootCAs(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  error
		fatal bool
	}{
		{"hostname", x509.HostnameError{Host: "x"}, ErrHostnameUnverified, true},
		{"wrapped hostname", &tls.CertificateVerificationError{Err: x509.HostnameError{Host: "x"}}, ErrHostnameUnverified, true},
		{"unknown authority", x509.UnknownAuthorityError{}, ErrSSLHandshake, true},
		{"invalid", x509.CertificateInvalidError{Reason: x509.Expired}, ErrSSLHandshake, true},
		{"verification", &tls.CertificateVerificationError{Err: errors.New("bad")}, ErrSSLHandshake, true},
		{"record header", fmt.Errorf("dial: %w", tls.RecordHeaderError{Msg: "not tls"}), ErrSSLHandshake, true},
		{"eof", io.EOF, io.EOF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, tt.fatal, IsFatal(got))
		})
	}

	assert.NoError(t, Classify(nil))
	once := Classify(x509.UnknownAuthorityError{})
	assert.Equal(t, once, Classify(once))
}
