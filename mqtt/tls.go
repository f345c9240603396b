package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSMode selects how the broker certificate is verified. The names are the
// ones stored in connection profiles.
type TLSMode string

// TLS modes.
const (
	TLSDisabled   TLSMode = "Disabled"
	TLSCASigned   TLSMode = "CA signed server certificate"
	TLSCAFile     TLSMode = "CA certificate file"
	TLSSelfSigned TLSMode = "Self-signed certificate"
)

// TLSModes lists every mode in display order.
var TLSModes = []TLSMode{TLSDisabled, TLSCASigned, TLSCAFile, TLSSelfSigned}

// ParseTLSMode validates a stored mode name. An empty name means disabled.
func ParseTLSMode(s string) (TLSMode, error) {
	if s == "" {
		return TLSDisabled, nil
	}
	for _, m := range TLSModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("mqtt: unknown TLS mode %q", s)
}

// TLSSettings are the certificate paths and mode of a connection profile.
type TLSSettings struct {
	Mode     TLSMode
	CAFile   string
	CertFile string
	KeyFile  string
	Insecure bool
}

// BuildTLSConfig returns the tls.Config for s, or nil when TLS is disabled.
func BuildTLSConfig(s TLSSettings) (*tls.Config, error) {
	switch s.Mode {
	case TLSDisabled, "":
		return nil, nil
	case TLSCASigned:
		return &tls.Config{InsecureSkipVerify: s.Insecure}, nil
	case TLSCAFile:
		pool, err := loadCA(s.CAFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{RootCAs: pool, InsecureSkipVerify: s.Insecure}, nil
	case TLSSelfSigned:
		pool, err := loadCA(s.CAFile)
		if err != nil {
			return nil, err
		}
		if s.CertFile == "" || s.KeyFile == "" {
			return nil, errors.New("mqtt: client certificate and key are required")
		}
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: failed to load client certificate: %w", err)
		}
		return &tls.Config{
			RootCAs:            pool,
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: s.Insecure,
		}, nil
	default:
		return nil, fmt.Errorf("mqtt: unknown TLS mode %q", s.Mode)
	}
}

func loadCA(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, errors.New("mqtt: CA certificate file is required")
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mqtt: failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("mqtt: failed to parse CA certificate")
	}
	return pool, nil
}
