package certs

import (
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"testing"
)

func parseCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading cert: %v", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatal("no PEM block in cert file")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing cert: %v", err)
	}
	return cert
}

func TestLoadOrGenerate_GeneratesLocalhostCert(t *testing.T) {
	dir := t.TempDir()

	dc, err := LoadOrGenerate(dir, []string{"dev.example.test", "10.0.0.5"})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if !dc.WasGenerated {
		t.Error("expected WasGenerated=true on first call")
	}

	cert := parseCert(t, dc.CertPath)
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost not covered: %v", err)
	}
	if err := cert.VerifyHostname("dev.example.test"); err != nil {
		t.Errorf("extra host not covered: %v", err)
	}
	found := false
	for _, ip := range cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.0.0.5")) {
			found = true
		}
	}
	if !found {
		t.Errorf("IPAddresses = %v, want 10.0.0.5 included", cert.IPAddresses)
	}

	info, err := os.Stat(dc.KeyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key permissions = %o, want 600", perm)
	}
}

func TestLoadOrGenerate_ReusesValidCert(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, nil)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	serial := parseCert(t, first.CertPath).SerialNumber

	second, err := LoadOrGenerate(dir, nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.WasGenerated {
		t.Error("expected existing cert to be reused")
	}
	if got := parseCert(t, second.CertPath).SerialNumber; got.Cmp(serial) != 0 {
		t.Errorf("serial changed: %v -> %v", serial, got)
	}
}

func TestLoadOrGenerate_RegeneratesCorruptCert(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, nil)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := os.WriteFile(first.CertPath, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := LoadOrGenerate(dir, nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.WasGenerated {
		t.Error("expected corrupt cert to be regenerated")
	}
	parseCert(t, second.CertPath)
}

func TestDevCert_TLSConfig(t *testing.T) {
	dc, err := LoadOrGenerate(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	cfg, err := dc.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d, want 1", len(cfg.Certificates))
	}
}

func TestDevCert_TLSConfigMissingFiles(t *testing.T) {
	dc := &DevCert{CertPath: "/nonexistent/a.crt", KeyPath: "/nonexistent/a.key"}
	if _, err := dc.TLSConfig(); err == nil {
		t.Error("expected error for missing files")
	}
}
