package certs

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir())
	require.NoError(t, m.EnsureCA())
	return m
}

func TestEnsureCAGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.EnsureCA())

	require.FileExists(t, filepath.Join(dir, CAKeyFile))
	require.FileExists(t, filepath.Join(dir, CACertFile))

	ca := m.CACertificate()
	require.NotNil(t, ca)
	assert.Equal(t, "jojq Root CA", ca.Subject.CommonName)
	assert.Equal(t, ca.Subject.String(), ca.Issuer.String())
	assert.True(t, ca.IsCA)
	assert.NotZero(t, ca.KeyUsage&x509.KeyUsageCertSign)

	// Ten-year validity, give or take the backdated NotBefore.
	lifetime := ca.NotAfter.Sub(ca.NotBefore)
	assert.InDelta(t, caValidity.Hours(), lifetime.Hours(), 2)
}

func TestEnsureCALoadsExisting(t *testing.T) {
	dir := t.TempDir()

	first := NewManager(dir)
	require.NoError(t, first.EnsureCA())

	second := NewManager(dir)
	require.NoError(t, second.EnsureCA())

	assert.Equal(t, first.CACertificate().SerialNumber, second.CACertificate().SerialNumber)
	assert.Equal(t, first.CACertificate().Raw, second.CACertificate().Raw)
}

func TestEnsureCARegeneratesCorruptMaterial(t *testing.T) {
	dir := t.TempDir()

	first := NewManager(dir)
	require.NoError(t, first.EnsureCA())
	originalSerial := first.CACertificate().SerialNumber

	require.NoError(t, os.WriteFile(filepath.Join(dir, CAKeyFile), []byte("garbage"), 0o600))

	second := NewManager(dir)
	require.NoError(t, second.EnsureCA())
	assert.NotEqual(t, originalSerial, second.CACertificate().SerialNumber,
		"corrupt CA material must be regenerated")

	// The regenerated pair is loadable again.
	third := NewManager(dir)
	require.NoError(t, third.EnsureCA())
	assert.Equal(t, second.CACertificate().Raw, third.CACertificate().Raw)
}

func TestEnsureCAUnwritableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root; directory permissions are not enforced")
	}
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0o500))
	t.Cleanup(func() {
		_ = os.Chmod(parent, 0o700)
	})

	m := NewManager(filepath.Join(parent, "ca"))
	assert.Error(t, m.EnsureCA())
}

func TestLeafForProperties(t *testing.T) {
	m := newTestManager(t)

	leaf, err := m.LeafFor("api.example.com")
	require.NoError(t, err)
	require.NotNil(t, leaf)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)

	assert.Contains(t, parsed.DNSNames, "api.example.com")
	assert.False(t, parsed.IsCA)
	assert.Equal(t, m.CACertificate().Subject.String(), parsed.Issuer.String())
	assert.Contains(t, parsed.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.Contains(t, parsed.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	// Every leaf verifies against the CA.
	roots := x509.NewCertPool()
	roots.AddCert(m.CACertificate())
	_, err = parsed.Verify(x509.VerifyOptions{
		Roots:     roots,
		DNSName:   "api.example.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)
}

func TestLeafForIsStablePerHost(t *testing.T) {
	m := newTestManager(t)

	first, err := m.LeafFor("api.example.com")
	require.NoError(t, err)
	second, err := m.LeafFor("api.example.com")
	require.NoError(t, err)

	firstKey := first.PrivateKey.(*rsa.PrivateKey)
	secondKey := second.PrivateKey.(*rsa.PrivateKey)
	assert.True(t, firstKey.PublicKey.Equal(&secondKey.PublicKey),
		"repeated mints for one host must return the same key pair")
}

func TestLeafForDistinctHosts(t *testing.T) {
	m := newTestManager(t)

	a, err := m.LeafFor("a.example.com")
	require.NoError(t, err)
	b, err := m.LeafFor("b.example.com")
	require.NoError(t, err)

	parsedA, err := x509.ParseCertificate(a.Certificate[0])
	require.NoError(t, err)
	parsedB, err := x509.ParseCertificate(b.Certificate[0])
	require.NoError(t, err)

	assert.NotEqual(t, parsedA.DNSNames, parsedB.DNSNames)
}

func TestLeafForNormalizesCase(t *testing.T) {
	m := newTestManager(t)

	lower, err := m.LeafFor("example.com")
	require.NoError(t, err)
	upper, err := m.LeafFor("EXAMPLE.com:443")
	require.NoError(t, err)

	lowerKey := lower.PrivateKey.(*rsa.PrivateKey)
	upperKey := upper.PrivateKey.(*rsa.PrivateKey)
	assert.True(t, lowerKey.PublicKey.Equal(&upperKey.PublicKey),
		"case variants of one hostname must share a leaf")
}

func TestLeafForIPTarget(t *testing.T) {
	m := newTestManager(t)

	leaf, err := m.LeafFor("127.0.0.1")
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.Len(t, parsed.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", parsed.IPAddresses[0].String())
}

func TestLeafCacheBound(t *testing.T) {
	m := newTestManager(t)
	m.maxLeaves = 3

	hosts := []string{"a.test", "b.test", "c.test", "d.test"}
	for _, h := range hosts {
		_, err := m.LeafFor(h)
		require.NoError(t, err)
	}

	m.cacheMutex.RLock()
	defer m.cacheMutex.RUnlock()
	assert.Len(t, m.leaves, 3)
	_, oldestPresent := m.leaves["a.test"]
	assert.False(t, oldestPresent, "oldest entry should have been evicted")
}

func TestLeafForConcurrent(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	leaves := make([]*x509.Certificate, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			leaf, err := m.LeafFor("concurrent.example.com")
			if err != nil {
				t.Errorf("LeafFor failed: %v", err)
				return
			}
			parsed, err := x509.ParseCertificate(leaf.Certificate[0])
			if err != nil {
				t.Errorf("parse failed: %v", err)
				return
			}
			leaves[n] = parsed
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(leaves); i++ {
		require.NotNil(t, leaves[i])
		assert.Equal(t, leaves[0].Raw, leaves[i].Raw,
			"concurrent mints for one host must converge on one certificate")
	}
}

func TestTLSConfigForSNISelection(t *testing.T) {
	m := newTestManager(t)

	cfg, err := m.TLSConfigFor("initial.example.com")
	require.NoError(t, err)
	require.NotNil(t, cfg.GetCertificate)

	// The SNI callback mints for the indicated name, not the CONNECT target.
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "sni.example.com"})
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, parsed.DNSNames, "sni.example.com")

	// Without SNI the CONNECT-target leaf is served.
	cert, err = cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	parsed, err = x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, parsed.DNSNames, "initial.example.com")
}
