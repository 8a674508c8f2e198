package certs

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
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
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/jojq/jojq/jojq-srv/logger"
)

const (
	// CAKeyFile and CACertFile are the fixed file names inside the CA directory.
	CAKeyFile  = "ca-key.pem"
	CACertFile = "ca-cert.pem"

	caCommonName = "jojq Root CA"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour

	rsaKeyBits = 2048

	// defaultMaxLeaves bounds the in-memory leaf cache; the oldest entry is
	// evicted once the bound is reached and simply re-minted on next use.
	defaultMaxLeaves = 1000
)

// Manager owns the root CA material and mints per-host leaf certificates
// for TLS interception. It is safe for concurrent use.
type Manager struct {
	dir string

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	cacheMutex sync.RWMutex
	leaves     map[string]*tls.Certificate
	order      []string

	waitMutex      sync.Mutex
	leafWaitGroups map[string]*sync.WaitGroup

	maxLeaves int
}

// NewManager creates a Manager that persists CA material under dir.
// EnsureCA must be called before minting leaves.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:            dir,
		leaves:         make(map[string]*tls.Certificate),
		leafWaitGroups: make(map[string]*sync.WaitGroup),
		maxLeaves:      defaultMaxLeaves,
	}
}

// CACertPath returns the on-disk location of the root certificate, for
// operator import into the calling client.
func (m *Manager) CACertPath() string {
	return filepath.Join(m.dir, CACertFile)
}

// CAKeyPath returns the on-disk location of the root private key.
func (m *Manager) CAKeyPath() string {
	return filepath.Join(m.dir, CAKeyFile)
}

// CACertificate returns the parsed root certificate. Nil before EnsureCA.
func (m *Manager) CACertificate() *x509.Certificate {
	return m.caCert
}

// EnsureCA loads the CA key pair from the configured directory, or generates
// and persists a fresh one. It is idempotent: once loaded, repeated calls
// return immediately. A directory that cannot be created is a fatal error;
// unparseable on-disk material is regenerated with a warning.
func (m *Manager) EnsureCA() error {
	if m.caCert != nil {
		return nil
	}

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create CA directory %s: %w", m.dir, err)
	}

	cert, key, err := m.loadCA()
	if err == nil {
		m.caCert = cert
		m.caKey = key
		logger.Debug("Loaded CA from %s", m.dir)
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Stored CA material in %s is unusable (%v); regenerating", m.dir, err)
	}

	cert, key, err = generateCA()
	if err != nil {
		return fmt.Errorf("failed to generate CA: %w", err)
	}
	if err := m.persistCA(cert, key); err != nil {
		return fmt.Errorf("failed to persist CA: %w", err)
	}

	m.caCert = cert
	m.caKey = key
	logger.Info("Generated new root CA in %s (import %s into your client)", m.dir, m.CACertPath())
	return nil
}

// loadCA reads and parses both PEM files. Any missing or malformed piece
// returns an error so the caller can regenerate; the invariant is that key
// and certificate are either both usable or both replaced.
func (m *Manager) loadCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(m.CACertPath())
	if err != nil {
		return nil, nil, fmt.Errorf("read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(m.CAKeyPath())
	if err != nil {
		return nil, nil, fmt.Errorf("read CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("invalid CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("invalid CA key PEM")
	}
	var key *rsa.PrivateKey
	switch keyBlock.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse CA key: %w", err)
		}
	case "PRIVATE KEY":
		parsed, parseErr := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if parseErr != nil {
			return nil, nil, fmt.Errorf("parse CA key: %w", parseErr)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("CA key is not an RSA key")
		}
		key = rsaKey
	default:
		return nil, nil, fmt.Errorf("unsupported CA key PEM type %q", keyBlock.Type)
	}

	return cert, key, nil
}

func (m *Manager) persistCA(cert *x509.Certificate, key *rsa.PrivateKey) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := atomic.WriteFile(m.CAKeyPath(), bytes.NewReader(keyPEM)); err != nil {
		return fmt.Errorf("write %s: %w", m.CAKeyPath(), err)
	}
	if err := os.Chmod(m.CAKeyPath(), 0o600); err != nil {
		logger.Warn("Could not restrict permissions on %s: %v", m.CAKeyPath(), err)
	}
	if err := atomic.WriteFile(m.CACertPath(), bytes.NewReader(certPEM)); err != nil {
		return fmt.Errorf("write %s: %w", m.CACertPath(), err)
	}
	return nil
}

func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixMilli()),
		Subject: pkix.Name{
			CommonName: caCommonName,
		},
		NotBefore: time.Now().Add(-1 * time.Hour),
		NotAfter:  time.Now().Add(caValidity),
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature |
			x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("self-sign CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse generated CA certificate: %w", err)
	}
	return cert, key, nil
}

// LeafFor returns the cached leaf certificate for hostname, minting and
// caching one signed by the CA when absent. Hostnames are normalized to
// lowercase so EXAMPLE.com and example.com share a leaf.
func (m *Manager) LeafFor(hostname string) (*tls.Certificate, error) {
	if m.caCert == nil || m.caKey == nil {
		return nil, fmt.Errorf("certificate authority not initialized")
	}

	host := strings.ToLower(strings.Split(hostname, ":")[0])

	m.cacheMutex.RLock()
	cert, ok := m.leaves[host]
	m.cacheMutex.RUnlock()
	if ok {
		logger.Debug("Using cached certificate for %s", host)
		return cert, nil
	}

	// Another goroutine may already be minting this host; wait for it rather
	// than generating a duplicate key pair.
	m.waitMutex.Lock()
	wg, minting := m.leafWaitGroups[host]
	if !minting {
		wg = &sync.WaitGroup{}
		wg.Add(1)
		m.leafWaitGroups[host] = wg
	}
	m.waitMutex.Unlock()

	if minting {
		logger.Debug("Waiting for in-flight certificate generation for %s", host)
		wg.Wait()
		m.cacheMutex.RLock()
		cert, ok = m.leaves[host]
		m.cacheMutex.RUnlock()
		if ok {
			return cert, nil
		}
		return nil, fmt.Errorf("certificate generation failed for %s", host)
	}

	defer func() {
		wg.Done()
		m.waitMutex.Lock()
		delete(m.leafWaitGroups, host)
		m.waitMutex.Unlock()
	}()

	// A previous minter may have finished between our cache miss and taking
	// the mint role.
	m.cacheMutex.RLock()
	cert, ok = m.leaves[host]
	m.cacheMutex.RUnlock()
	if ok {
		return cert, nil
	}

	logger.Debug("Generating new certificate for %s", host)
	newCert, err := m.mintLeaf(host)
	if err != nil {
		return nil, err
	}

	m.cacheMutex.Lock()
	if len(m.leaves) >= m.maxLeaves && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.leaves, oldest)
		logger.Debug("Evicted leaf certificate for %s from cache", oldest)
	}
	m.leaves[host] = newCert
	m.order = append(m.order, host)
	m.cacheMutex.Unlock()

	return newCert, nil
}

func (m *Manager) mintLeaf(host string) (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate private key for %s: %w", host, err)
	}

	// Millisecond wall-clock serials can collide under concurrent minting;
	// the cache is keyed on hostname, so a collision is harmless.
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixMilli()),
		Subject: pkix.Name{
			CommonName: host,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{host},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, m.caCert, &priv.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign certificate for %s: %w", host, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("assemble key pair for %s: %w", host, err)
	}
	return &pair, nil
}

// TLSConfigFor builds a server-side TLS config whose initial certificate is
// the leaf for hostname and whose SNI callback re-selects or mints a leaf
// for the name the client actually indicates.
func (m *Manager) TLSConfigFor(hostname string) (*tls.Config, error) {
	initial, err := m.LeafFor(hostname)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*initial},
		MinVersion:   tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" {
				return initial, nil
			}
			return m.LeafFor(hello.ServerName)
		},
	}, nil
}
