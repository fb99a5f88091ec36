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
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func loadCertFromFile(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	cert, err := readCert(path)
	if err != nil {
		t.Fatalf("failed to load certificate from %s: %v", path, err)
	}
	return cert
}

func generateTestCerts(t *testing.T) *Assets {
	t.Helper()
	assets, err := LoadOrGenerate(t.TempDir(), "", "")
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	return assets
}

func TestLoadOrGenerateFirstRunGenerates(t *testing.T) {
	dir := t.TempDir()

	assets, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("LoadOrGenerate returned error: %v", err)
	}
	if assets.Source != SourceGenerated {
		t.Errorf("expected source %q, got %q", SourceGenerated, assets.Source)
	}
	if assets.CACertPath != filepath.Join(dir, "ca.crt") {
		t.Errorf("unexpected CA path %s", assets.CACertPath)
	}

	ca := loadCertFromFile(t, assets.CACertPath)
	if !ca.IsCA {
		t.Error("CA certificate should have IsCA=true")
	}
	if ca.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA certificate should have KeyUsageCertSign")
	}

	server := loadCertFromFile(t, assets.CertPath)
	if server.IsCA {
		t.Error("server certificate must not be a CA")
	}
	if err := server.CheckSignatureFrom(ca); err != nil {
		t.Errorf("server cert not signed by CA: %v", err)
	}
	if err := server.VerifyHostname("localhost"); err != nil {
		t.Errorf("server cert should cover localhost: %v", err)
	}
	if err := server.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("server cert should cover 127.0.0.1: %v", err)
	}
	if err := server.VerifyHostname("::1"); err != nil {
		t.Errorf("server cert should cover ::1: %v", err)
	}
	if len(server.ExtKeyUsage) != 1 || server.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Errorf("expected ServerAuth ext key usage, got %v", server.ExtKeyUsage)
	}
}

func TestLoadOrGenerateSecondRunReuses(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := loadCertFromFile(t, first.CertPath)

	second, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Source != SourceReused {
		t.Errorf("expected source %q, got %q", SourceReused, second.Source)
	}
	after := loadCertFromFile(t, second.CertPath)
	if before.SerialNumber.Cmp(after.SerialNumber) != 0 {
		t.Error("server certificate should not change on reuse")
	}
}

func TestLoadOrGenerateCustomPair(t *testing.T) {
	src := generateTestCerts(t)

	assets, err := LoadOrGenerate(t.TempDir(), src.CertPath, src.KeyPath)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if assets.Source != SourceCustom {
		t.Errorf("expected source %q, got %q", SourceCustom, assets.Source)
	}
	if assets.CertPath != src.CertPath || assets.KeyPath != src.KeyPath {
		t.Errorf("expected custom paths to be used as given, got %+v", assets)
	}
	if assets.CACertPath != "" {
		t.Errorf("expected no CA path for a custom pair, got %q", assets.CACertPath)
	}
}

func TestLoadOrGeneratePartialCustomPairError(t *testing.T) {
	_, err := LoadOrGenerate(t.TempDir(), "cert.pem", "")
	if !errors.Is(err, ErrPartialCustomPair) {
		t.Fatalf("expected ErrPartialCustomPair, got %v", err)
	}
	_, err = LoadOrGenerate(t.TempDir(), "", "key.pem")
	if !errors.Is(err, ErrPartialCustomPair) {
		t.Fatalf("expected ErrPartialCustomPair, got %v", err)
	}
}

func TestLoadOrGenerateCustomPairNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrGenerate(dir, filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"))
	if err == nil {
		t.Fatal("expected error for missing custom cert files")
	}
}

func TestPrivateKeyFilesHaveRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()
	assets, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	for _, path := range []string{assets.KeyPath, filepath.Join(dir, "ca.key")} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s: expected permissions 0600, got %o", path, perm)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "EC PRIVATE KEY" {
			t.Errorf("%s: expected EC PRIVATE KEY PEM block", path)
		}
	}
}

func writeExpiredCert(t *testing.T, path string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "expired"},
		NotBefore:    time.Now().Add(-2 * time.Hour),
		NotAfter:     time.Now().Add(-1 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating expired cert: %v", err)
	}
	if err := writePEMFile(path, "CERTIFICATE", der); err != nil {
		t.Fatalf("writing expired cert: %v", err)
	}
}

func TestLoadOrGenerateExpiredServerCertRenewedWithSameCA(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	caBefore := loadCertFromFile(t, first.CACertPath)

	writeExpiredCert(t, first.CertPath)

	assets, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("renewal run: %v", err)
	}
	if assets.Source != SourceRenewed {
		t.Errorf("expected source %q, got %q", SourceRenewed, assets.Source)
	}

	caAfter := loadCertFromFile(t, assets.CACertPath)
	if caBefore.SerialNumber.Cmp(caAfter.SerialNumber) != 0 {
		t.Error("CA should be kept when only the server cert expired")
	}
	server := loadCertFromFile(t, assets.CertPath)
	if time.Now().After(server.NotAfter) {
		t.Error("renewed server cert is still expired")
	}
	if err := server.CheckSignatureFrom(caAfter); err != nil {
		t.Errorf("renewed cert not signed by existing CA: %v", err)
	}
}

func TestLoadOrGenerateRegeneratesWhenCAUnusable(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	caBefore := loadCertFromFile(t, first.CACertPath)

	writeExpiredCert(t, first.CertPath)
	if err := os.WriteFile(filepath.Join(dir, "ca.key"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	assets, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("regeneration run: %v", err)
	}
	if assets.Source != SourceGenerated {
		t.Errorf("expected source %q, got %q", SourceGenerated, assets.Source)
	}
	caAfter := loadCertFromFile(t, assets.CACertPath)
	if caBefore.SerialNumber.Cmp(caAfter.SerialNumber) == 0 {
		t.Error("expected a new CA")
	}
}

func TestAcquireLockRecoversStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("creating stale lock: %v", err)
	}
	f.Close()

	staleTime := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatalf("setting stale lock mtime: %v", err)
	}

	unlock, err := acquireLock(dir)
	if err != nil {
		t.Fatalf("acquireLock should recover stale lock: %v", err)
	}
	unlock()

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("unlock should remove the lock file")
	}
}

func TestLoadOrGenerateConcurrentSafe(t *testing.T) {
	dir := t.TempDir()

	const goroutines = 5
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = LoadOrGenerate(dir, "", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d failed: %v", i, err)
		}
	}

	assets, err := LoadOrGenerate(dir, "", "")
	if err != nil {
		t.Fatalf("final LoadOrGenerate: %v", err)
	}
	if assets.Source != SourceReused {
		t.Error("final call should reuse existing certs")
	}
}

func TestNewTLSConfig(t *testing.T) {
	assets := generateTestCerts(t)

	cfg, err := NewTLSConfig(assets.CertPath, assets.KeyPath)
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected MinVersion TLS 1.2, got %x", cfg.MinVersion)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("expected no client auth, got %v", cfg.ClientAuth)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("expected one server certificate, got %d", len(cfg.Certificates))
	}
}

func TestNewTLSConfigMissingFiles(t *testing.T) {
	if _, err := NewTLSConfig("nope.crt", "nope.key"); err == nil {
		t.Fatal("expected error for missing key pair")
	}
}

func TestTLSHandshakeTrustedByCA(t *testing.T) {
	assets := generateTestCerts(t)

	tlsCfg, err := NewTLSConfig(assets.CertPath, assets.KeyPath)
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.TLS = tlsCfg
	srv.StartTLS()
	defer srv.Close()

	caPEM, err := os.ReadFile(assets.CACertPath)
	if err != nil {
		t.Fatalf("reading CA cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caPEM)

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request trusting the dev CA should succeed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestTLSHandshakeUntrustedRejected(t *testing.T) {
	assets := generateTestCerts(t)

	tlsCfg, err := NewTLSConfig(assets.CertPath, assets.KeyPath)
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.TLS = tlsCfg
	srv.StartTLS()
	defer srv.Close()

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: x509.NewCertPool()},
		},
	}
	if resp, err := client.Get(srv.URL); err == nil {
		resp.Body.Close()
		t.Fatal("expected handshake failure without the dev CA")
	}
}
