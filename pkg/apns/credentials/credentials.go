// Package credentials supplies the TLS client configuration used to
// authenticate against the gateway and the feedback service.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"golang.org/x/crypto/pkcs12"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// Source produces a TLS client configuration for a given server name.
type Source interface {
	TLSConfig(serverName string) (*tls.Config, error)
}

// Option customizes a certificate-based Source.
type Option func(*Certificate)

// WithRootCAs replaces the system roots used to verify the server.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Certificate) { c.roots = pool }
}

// WithInsecureSkipVerify disables server verification. Only for local testing.
func WithInsecureSkipVerify() Option {
	return func(c *Certificate) { c.insecure = true }
}

// Certificate is a Source backed by one client certificate.
type Certificate struct {
	cert     tls.Certificate
	roots    *x509.CertPool
	insecure bool
}

// TLSConfig implements Source.
func (c *Certificate) TLSConfig(serverName string) (*tls.Config, error) {
	return &tls.Config{
		Certificates:       []tls.Certificate{c.cert},
		RootCAs:            c.roots,
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.insecure, //nolint:gosec // opt-in for local gateways
	}, nil
}

// Leaf returns the parsed client certificate.
func (c *Certificate) Leaf() *x509.Certificate {
	return c.cert.Leaf
}

func newCertificate(cert tls.Certificate, opts []Option) (*Certificate, error) {
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, apnserrors.Wrap(err, apnserrors.ErrNetworkSSL, "cannot parse client certificate")
		}
		cert.Leaf = leaf
	}
	c := &Certificate{cert: cert}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FromPEM builds a Source from PEM-encoded certificate and key.
func FromPEM(certPEM, keyPEM []byte, opts ...Option) (*Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrNetworkSSL, "cannot load certificate key pair")
	}
	return newCertificate(cert, opts)
}

// FromPEMFiles builds a Source from PEM certificate and key files.
func FromPEMFiles(certFile, keyFile string, opts ...Option) (*Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrConfigLoadFailed, "cannot read certificate file").
			WithContext("path", certFile)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrConfigLoadFailed, "cannot read key file").
			WithContext("path", keyFile)
	}
	return FromPEM(certPEM, keyPEM, opts...)
}

// FromPKCS12 builds a Source from a PKCS#12 archive holding exactly one key
// and its certificate.
func FromPKCS12(data []byte, password string, opts ...Option) (*Certificate, error) {
	if len(data) == 0 {
		return nil, apnserrors.New(apnserrors.ErrMissingConfig, "keystore is empty; a client key is required")
	}
	key, leaf, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrNetworkSSL, "cannot decode PKCS#12 keystore")
	}
	return newCertificate(tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, opts)
}

// FromPKCS12File reads a PKCS#12 archive from path.
func FromPKCS12File(path, password string, opts ...Option) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrConfigLoadFailed, "cannot read keystore").
			WithContext("path", path)
	}
	return FromPKCS12(data, password, opts...)
}

// Static is a Source returning clones of a prepared configuration.
type Static struct {
	cfg *tls.Config
}

// NewStatic wraps cfg. A nil cfg yields an error on use.
func NewStatic(cfg *tls.Config) *Static {
	return &Static{cfg: cfg}
}

// TLSConfig implements Source. ServerName is filled in when the wrapped
// configuration leaves it empty.
func (s *Static) TLSConfig(serverName string) (*tls.Config, error) {
	if s.cfg == nil {
		return nil, apnserrors.New(apnserrors.ErrMissingConfig, "TLS configuration is nil")
	}
	cfg := s.cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg, nil
}
