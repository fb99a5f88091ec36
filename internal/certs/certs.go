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

// ErrPartialCustomPair is returned when only one of certFile and keyFile is set.
var ErrPartialCustomPair = errors.New("certFile and keyFile must be set together")

const (
	caCertName     = "ca.crt"
	caKeyName      = "ca.key"
	serverCertName = "server.crt"
	serverKeyName  = "server.key"

	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
)

// Source says where the serving pair came from.
type Source string

const (
	SourceCustom    Source = "custom"
	SourceReused    Source = "reused"
	SourceGenerated Source = "generated"
	SourceRenewed   Source = "renewed"
)

// Assets are the resolved files for serving HTTPS. CACertPath is empty for a
// custom pair.
type Assets struct {
	CACertPath string
	CertPath   string
	KeyPath    string
	Source     Source
}

type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// LoadOrGenerate resolves the dev server's certificate:
//   - certFile and keyFile, when both are set, are used as given
//   - an unexpired ca.crt, server.crt and server.key in dir are reused
//   - an expired server cert is re-signed by the existing CA
//   - otherwise a new CA and a localhost server cert are written to dir
//
// Trust dir/ca.crt once in the browser or OS store to get a green padlock.
func LoadOrGenerate(dir, certFile, keyFile string) (*Assets, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, ErrPartialCustomPair
	}
	if certFile != "" {
		for _, path := range []string{certFile, keyFile} {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("custom cert file not readable: %w", err)
			}
			f.Close()
		}
		return &Assets{CertPath: certFile, KeyPath: keyFile, Source: SourceCustom}, nil
	}

	assets := &Assets{
		CACertPath: filepath.Join(dir, caCertName),
		CertPath:   filepath.Join(dir, serverCertName),
		KeyPath:    filepath.Join(dir, serverKeyName),
	}
	caKeyPath := filepath.Join(dir, caKeyName)

	if ok, err := reusable(assets, caKeyPath); err != nil {
		return nil, err
	} else if ok {
		assets.Source = SourceReused
		return assets, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certs directory: %w", err)
	}
	unlock, err := acquireLock(dir)
	if err != nil {
		return nil, fmt.Errorf("acquiring cert generation lock: %w", err)
	}
	defer unlock()

	// Another process may have finished while we waited for the lock.
	if ok, err := reusable(assets, caKeyPath); err != nil {
		return nil, err
	} else if ok {
		assets.Source = SourceReused
		return assets, nil
	}

	if exists(assets.CACertPath, caKeyPath) {
		if ca, err := loadAuthority(assets.CACertPath, caKeyPath); err == nil && time.Now().Before(ca.cert.NotAfter) {
			if err := writeServerCert(dir, ca); err != nil {
				return nil, fmt.Errorf("renewing server cert: %w", err)
			}
			assets.Source = SourceRenewed
			return assets, nil
		}
	}

	ca, err := writeAuthority(dir)
	if err != nil {
		return nil, fmt.Errorf("generating CA: %w", err)
	}
	if err := writeServerCert(dir, ca); err != nil {
		return nil, fmt.Errorf("generating server cert: %w", err)
	}
	assets.Source = SourceGenerated
	return assets, nil
}

// NewTLSConfig loads the serving pair. Browsers connect without client
// certificates, so none are requested.
func NewTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
		Certificates: []tls.Certificate{pair},
	}, nil
}

func reusable(a *Assets, caKeyPath string) (bool, error) {
	if !exists(a.CACertPath, caKeyPath, a.CertPath, a.KeyPath) {
		return false, nil
	}
	expired, err := certExpired(a.CertPath)
	if err != nil {
		return false, fmt.Errorf("checking server certificate expiration: %w", err)
	}
	return !expired, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func writeAuthority(dir string) (*authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "devproxy local CA",
			Organization: []string{"devproxy"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	if err := writePEMFile(filepath.Join(dir, caCertName), "CERTIFICATE", der); err != nil {
		return nil, fmt.Errorf("writing CA cert: %w", err)
	}
	if err := writeKeyFile(filepath.Join(dir, caKeyName), key); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}
	return &authority{cert: cert, key: key}, nil
}

// writeServerCert issues a cert for localhost and the loopback addresses,
// which is where a dev proxy is reached from.
func writeServerCert(dir string, ca *authority) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	notAfter := time.Now().Add(serverValidity)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"devproxy"},
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return fmt.Errorf("creating server certificate: %w", err)
	}
	if err := writePEMFile(filepath.Join(dir, serverCertName), "CERTIFICATE", der); err != nil {
		return fmt.Errorf("writing server cert: %w", err)
	}
	if err := writeKeyFile(filepath.Join(dir, serverKeyName), key); err != nil {
		return fmt.Errorf("writing server key: %w", err)
	}
	return nil
}

// staleLockAge is how old a lock file must be before a crashed holder is
// assumed.
const staleLockAge = 5 * time.Minute

// acquireLock creates an exclusive lock file in dir so two dev servers started
// together do not both generate a CA. Returns an unlock function.
func acquireLock(dir string) (func(), error) {
	lockPath := filepath.Join(dir, ".lock")
	for i := 0; i < 10; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(lockPath)
			continue
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("could not acquire cert generation lock at %s after 5s", lockPath)
}

func certExpired(certPath string) (bool, error) {
	cert, err := readCert(certPath)
	if err != nil {
		return false, err
	}
	return time.Now().After(cert.NotAfter), nil
}

func readCert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cert file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert, nil
}

func loadAuthority(certPath, keyPath string) (*authority, error) {
	cert, err := readCert(certPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in CA key %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	return &authority{cert: cert, key: key}, nil
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
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling EC private key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
