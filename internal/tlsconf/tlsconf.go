// Package tlsconf builds the TLS configuration of the HTTPS and HTTP/3
// listeners.
package tlsconf

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Options selects where the certificate comes from.
type Options struct {
	CrtPath    string
	KeyPath    string
	SelfSigned bool
	// Hosts are the names and addresses put in a self-signed certificate.
	Hosts []string
}

// ServerConfig returns a TLS configuration for the HTTPS listener.
// A certificate pair on disk takes precedence over SelfSigned.
func ServerConfig(opts Options) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case opts.CrtPath != "" && opts.KeyPath != "":
		cert, err = tls.LoadX509KeyPair(opts.CrtPath, opts.KeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "load certificate")
		}
	case opts.SelfSigned:
		cert, err = SelfSigned(opts.Hosts, 365*24*time.Hour)
		if err != nil {
			return nil, errors.Wrap(err, "generate self-signed certificate")
		}
	default:
		return nil, errors.New("no certificate configured")
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// SelfSigned generates a certificate valid for hosts (localhost when empty)
// during validity.
func SelfSigned(hosts []string, validity time.Duration) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"pipingd"},
			CommonName:   hosts[0],
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}
