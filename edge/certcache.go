package edge

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strandcdn/strand/lib/logger"
)

// CertificateFetcher is the slice of the rpc relay client the cert cache
// needs.
type CertificateFetcher interface {
	Certificate(hostname string) ([]byte, error)
}

type cachedCert struct {
	cert     *tls.Certificate
	loadedAt time.Time
}

// CertCache hands TLS material to the edge listener. Bundles come from the
// relay tier over rpc and are cached per hostname until the refresh window
// passes; a refresh failure keeps serving the old certificate.
type CertCache struct {
	relay   CertificateFetcher
	refresh time.Duration
	certs   *xsync.MapOf[string, cachedCert]
}

// NewCertCache creates a cache refreshing bundles after the given window
// (0 = 1h).
func NewCertCache(relay CertificateFetcher, refresh time.Duration) *CertCache {
	if refresh <= 0 {
		refresh = time.Hour
	}
	return &CertCache{
		relay:   relay,
		refresh: refresh,
		certs:   xsync.NewMapOf[string, cachedCert](),
	}
}

var clog = logger.Get("edge/certs")

// GetCertificate implements tls.Config.GetCertificate.
func (c *CertCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	hostname := hello.ServerName
	if hostname == "" {
		return nil, fmt.Errorf("client hello without SNI")
	}

	if cached, ok := c.certs.Load(hostname); ok {
		if time.Since(cached.loadedAt) < c.refresh {
			return cached.cert, nil
		}

		cert, err := c.load(hostname)
		if err != nil {
			// Stale beats broken: keep serving the old bundle
			clog.Warn().Err(err).Str("hostname", hostname).
				Msg("certificate refresh failed, serving cached bundle")
			return cached.cert, nil
		}
		return cert, nil
	}

	return c.load(hostname)
}

// load fetches the bundle from the relay and parses it. The bundle is the
// certificate chain and private key concatenated as PEM blocks.
func (c *CertCache) load(hostname string) (*tls.Certificate, error) {
	bundle, err := c.relay.Certificate(hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch certificate for %s: %w", hostname, err)
	}

	cert, err := tls.X509KeyPair(bundle, bundle)
	if err != nil {
		return nil, fmt.Errorf("bad certificate bundle for %s: %w", hostname, err)
	}

	c.certs.Store(hostname, cachedCert{cert: &cert, loadedAt: time.Now()})
	clog.Info().Str("hostname", hostname).Msg("certificate loaded")
	return &cert, nil
}
