// Package certificate manages the per-account development signing identity:
// an RSA key that lives on disk and the Apple issued certificate for it.
package certificate

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/sideload/pkg/developer"
)

var encodeKey = pem.Encode

const (
	rsaKeySize   = 2048
	keyFileName  = "key.pem"
	certFileName = "cert.pem"
)

// Error is a failed identity operation
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("certificate %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DeveloperClient is the part of the Developer Services API the manager uses
type DeveloperClient interface {
	ListAllDevelopmentCerts(ctx context.Context, team developer.Team, platform developer.Platform) ([]developer.Certificate, error)
	SubmitDevelopmentCSR(ctx context.Context, team developer.Team, platform developer.Platform, csr, machineName string) (string, error)
}

// Identity is a private key plus the certificate Apple issued for it
type Identity struct {
	PrivateKey    *rsa.PrivateKey
	Certificate   *x509.Certificate
	CertificateID string
	SerialNumber  string
	KeyPath       string
	CertPath      string
}

// Manager finds or issues development certificates
type Manager struct {
	configDir   string
	machineName string
	dev         DeveloperClient

	// Platform scopes the certificate calls
	Platform developer.Platform
}

// NewManager creates a Manager storing keys under configDir/keys
func NewManager(configDir, machineName string, dev DeveloperClient) *Manager {
	return &Manager{
		configDir:   configDir,
		machineName: machineName,
		dev:         dev,
		Platform:    developer.IOS,
	}
}

// KeyDir returns the directory holding appleID's key and certificate
func (m *Manager) KeyDir(appleID string) string {
	sum := sha1.Sum([]byte(appleID))
	return filepath.Join(m.configDir, "keys", hex.EncodeToString(sum[:]))
}

// Acquire returns a signing identity for appleID on team, reusing a
// certificate that matches the local key or submitting a new CSR.
func (m *Manager) Acquire(ctx context.Context, team developer.Team, appleID string) (*Identity, error) {
	dir := m.KeyDir(appleID)
	key, keyPath, err := loadOrCreateKey(dir)
	if err != nil {
		return nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, &Error{Op: "encode public key", Err: err}
	}

	certs, err := m.dev.ListAllDevelopmentCerts(ctx, team, m.Platform)
	if err != nil {
		return nil, &Error{Op: "list certificates", Err: err}
	}
	for _, c := range certs {
		if c.MachineName == nil || *c.MachineName != m.machineName {
			continue
		}
		cert, ok := matches(c, pub)
		if !ok {
			continue
		}
		log.WithFields(log.Fields{
			"id":     c.CertificateID,
			"serial": c.SerialNumber,
		}).Info("Using existing development certificate")
		return m.identity(dir, keyPath, key, c, cert)
	}

	log.Info("No matching development certificate found. Requesting a new one...")
	csr, err := createCSR(key)
	if err != nil {
		return nil, err
	}
	id, err := m.dev.SubmitDevelopmentCSR(ctx, team, m.Platform, csr, m.machineName)
	if err != nil {
		return nil, &Error{Op: "submit CSR", Err: err}
	}

	if certs, err = m.dev.ListAllDevelopmentCerts(ctx, team, m.Platform); err != nil {
		return nil, &Error{Op: "list certificates", Err: err}
	}
	for _, c := range certs {
		if c.CertificateID != id {
			continue
		}
		cert, ok := matches(c, pub)
		if !ok {
			return nil, &Error{Op: "verify certificate", Err: fmt.Errorf("certificate %s does not match the local private key", id)}
		}
		log.WithField("id", id).Info("Issued new development certificate")
		return m.identity(dir, keyPath, key, c, cert)
	}

	return nil, &Error{Op: "find certificate", Err: fmt.Errorf("certificate %s not found after submitting CSR", id)}
}

func (m *Manager) identity(dir, keyPath string, key *rsa.PrivateKey, c developer.Certificate, cert *x509.Certificate) (*Identity, error) {
	certPath := filepath.Join(dir, certFileName)
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, data, 0644); err != nil {
		return nil, &Error{Op: "write certificate", Err: err}
	}
	return &Identity{
		PrivateKey:    key,
		Certificate:   cert,
		CertificateID: c.CertificateID,
		SerialNumber:  c.SerialNumber,
		KeyPath:       keyPath,
		CertPath:      certPath,
	}, nil
}

// matches parses c and reports whether its public key is pub (DER)
func matches(c developer.Certificate, pub []byte) (*x509.Certificate, bool) {
	cert, err := x509.ParseCertificate(c.CertContent)
	if err != nil {
		log.WithError(err).Debugf("skipping unparsable certificate %s", c.CertificateID)
		return nil, false
	}
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, false
	}
	return cert, bytes.Equal(der, pub)
}

// loadOrCreateKey reads dir/key.pem, generating it on first use. An existing
// key file is never overwritten.
func loadOrCreateKey(dir string) (*rsa.PrivateKey, string, error) {
	keyPath := filepath.Join(dir, keyFileName)

	data, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := parseKey(data)
		if err != nil {
			return nil, "", &Error{Op: "load private key", Err: fmt.Errorf("%s: %w", keyPath, err)}
		}
		return key, keyPath, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, "", &Error{Op: "load private key", Err: err}
	}

	log.Debug("Generating RSA private key...")
	key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, "", &Error{Op: "generate private key", Err: err}
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, "", &Error{Op: "encode private key", Err: err}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", &Error{Op: "create key directory", Err: err}
	}
	if err := writeKey(dir, keyPath, der); err != nil {
		return nil, "", &Error{Op: "save private key", Err: err}
	}
	log.Debugf("Private key generated and saved to %s (Permissions 0600)", keyPath)

	return key, keyPath, nil
}

func parseKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, not RSA", k)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

func createCSR(key *rsa.PrivateKey) (string, error) {
	log.Debug("Generating Certificate Signing Request (CSR)...")
	tmpl := x509.CertificateRequest{
		Subject: pkix.Name{
			Country:      []string{"US"},
			Province:     []string{"STATE"},
			Locality:     []string{"LOCAL"},
			Organization: []string{"ORGNIZATION"},
			CommonName:   "CN",
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &tmpl, key)
	if err != nil {
		return "", &Error{Op: "create CSR", Err: err}
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// writeKey writes the PEM encoded key next to keyPath and renames it into
// place, so a failed write never leaves a partial key.pem behind.
func writeKey(dir, keyPath string, der []byte) error {
	f, err := os.CreateTemp(dir, ".key-*.pem")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(0600); err != nil {
		f.Close()
		return err
	}
	if err := encodeKey(f, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, keyPath)
}
