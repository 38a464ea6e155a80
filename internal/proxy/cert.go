package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const caValidity = 365 * 24 * time.Hour

// CertManager owns the CA the proxy signs target-host certificates with.
// The pair lives in certDir as ca-cert.pem and ca-key.pem.
type CertManager struct {
	pair     tls.Certificate
	certPath string
	keyPath  string
	now      func() time.Time
}

// NewCertManager loads the CA from certDir and replaces it when it is
// missing, unreadable, mismatched or outside its validity window.
// An empty certDir means ~/.waguard/certs.
func NewCertManager(certDir string) (*CertManager, error) {
	if certDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		certDir = filepath.Join(home, ".waguard", "certs")
	}
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}

	cm := &CertManager{
		certPath: filepath.Join(certDir, "ca-cert.pem"),
		keyPath:  filepath.Join(certDir, "ca-key.pem"),
		now:      time.Now,
	}
	if err := cm.load(); err != nil {
		if err := cm.create(); err != nil {
			return nil, fmt.Errorf("failed to generate CA: %w", err)
		}
	}
	return cm, nil
}

// load reads the stored pair; tls.LoadX509KeyPair also checks that the
// key belongs to the certificate
func (cm *CertManager) load() error {
	pair, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return err
	}
	if !leaf.IsCA {
		return errors.New("stored certificate is not a CA")
	}
	if now := cm.now(); now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return errors.New("stored CA is expired or not yet valid")
	}

	pair.Leaf = leaf
	cm.pair = pair
	return nil
}

func (cm *CertManager) create() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := cm.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"WA Download Guard"},
			CommonName:   "WA Download Guard Root CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode CA key: %w", err)
	}

	if err := writePEM(cm.certPath, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	if err := writePEM(cm.keyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return err
	}
	return cm.load()
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// TLSCertificate returns the CA as a signing certificate for the proxy
func (cm *CertManager) TLSCertificate() *tls.Certificate {
	pair := cm.pair
	return &pair
}

// CACertPath returns the path of the CA certificate users must trust
func (cm *CertManager) CACertPath() string {
	return cm.certPath
}

// CACert returns the CA certificate
func (cm *CertManager) CACert() *x509.Certificate {
	return cm.pair.Leaf
}
