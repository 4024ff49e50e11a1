package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CertStore hands out TLS bundles for customer hostnames. Bundles live as
// <hostname>.pem files (certificate chain and key concatenated) in one
// directory, the way they come out of an ACME client's install hook.
type CertStore struct {
	dir string
}

// NewCertStore serves bundles from the given directory.
func NewCertStore(dir string) *CertStore {
	return &CertStore{dir: dir}
}

// Bundle returns the PEM bundle for a hostname.
func (s *CertStore) Bundle(hostname string) ([]byte, error) {
	// Hostnames come off the wire; keep them out of path tricks
	if hostname == "" || strings.ContainsAny(hostname, "/\\") || strings.Contains(hostname, "..") {
		return nil, fmt.Errorf("invalid hostname %q", hostname)
	}

	bundle, err := os.ReadFile(filepath.Join(s.dir, hostname+".pem"))
	if err != nil {
		return nil, fmt.Errorf("no certificate bundle for %s: %w", hostname, err)
	}
	return bundle, nil
}
