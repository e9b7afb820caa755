// Package apnstest provides in-process fakes of the push gateway and the
// feedback service for tests.
package apnstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/kart-io/apnshub/pkg/apns/credentials"
)

// Certificates is a self-signed certificate valid for localhost and
// 127.0.0.1, usable both by the fakes and as a client certificate.
type Certificates struct {
	CertPEM []byte
	KeyPEM  []byte
	Pool    *x509.CertPool
	pair    tls.Certificate
}

// GenerateCertificates creates a fresh self-signed certificate.
func GenerateCertificates() (*Certificates, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "apnstest"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return &Certificates{CertPEM: certPEM, KeyPEM: keyPEM, Pool: pool, pair: pair}, nil
}

// ServerConfig returns the TLS configuration the fakes listen with.
func (c *Certificates) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.pair},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientSource returns credentials that trust the fakes and present the same
// certificate as the client identity.
func (c *Certificates) ClientSource() credentials.Source {
	return credentials.NewStatic(&tls.Config{
		Certificates: []tls.Certificate{c.pair},
		RootCAs:      c.Pool,
		MinVersion:   tls.VersionTLS12,
	})
}
