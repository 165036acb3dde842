package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certFile = "devproxy.crt"
	keyFile  = "devproxy.key"

	validity = 30 * 24 * time.Hour
	// renewBefore regenerates certificates that would expire during a session.
	renewBefore = 24 * time.Hour
)

// DevCert holds the paths of the dev server's self-signed certificate.
type DevCert struct {
	CertPath     string
	KeyPath      string
	WasGenerated bool
}

// LoadOrGenerate returns the dev server certificate in dir, generating a new
// self-signed one for hosts when none exists, it cannot be parsed, or it is
// about to expire.
func LoadOrGenerate(dir string, hosts []string) (*DevCert, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certs directory: %w", err)
	}
	dc := &DevCert{
		CertPath: filepath.Join(dir, certFile),
		KeyPath:  filepath.Join(dir, keyFile),
	}

	usable, err := certUsable(dc.CertPath, dc.KeyPath)
	if err != nil {
		return nil, err
	}
	if usable {
		return dc, nil
	}

	if err := generate(dc.CertPath, dc.KeyPath, hosts); err != nil {
		return nil, err
	}
	dc.WasGenerated = true
	return dc, nil
}

// TLSConfig loads the certificate pair into a server TLS config.
func (dc *DevCert) TLSConfig() (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(dc.CertPath, dc.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading dev certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func certUsable(certPath, keyPath string) (bool, error) {
	data, err := os.ReadFile(certPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading certificate: %w", err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		return false, nil
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return false, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, nil
	}
	return time.Now().Add(renewBefore).Before(cert.NotAfter), nil
}

func generate(certPath, keyPath string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "devproxy",
			Organization: []string{"storykit dev server"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	for _, h := range hosts {
		if h == "" || h == "localhost" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}

	if err := writePEMFile(certPath, "CERTIFICATE", certDER); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	if err := writeKeyFile(keyPath, key); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

func writePEMFile(path, blockType string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func writeKeyFile(path string, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling EC private key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}
