package provider

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"

	"go.uber.org/zap"
)

// Common CA bundle locations, checked in order. Covers the mainstream Linux
// distributions and macOS exports.
var caBundlePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/cacert.pem",
	"/etc/ssl/cert.pem",
	"/usr/local/etc/openssl/cert.pem",
}

// newHTTPClient builds the shared client. When the system cert pool is
// unavailable it falls back to scanning known bundle paths; a total miss is
// logged but still returns a working client (TLS verification will then fail
// per-request with a clear error instead of here).
func newHTTPClient(logger *zap.Logger) (*http.Client, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
		loaded := false
		for _, path := range caBundlePaths {
			pem, readErr := os.ReadFile(path)
			if readErr != nil {
				continue
			}
			if pool.AppendCertsFromPEM(pem) {
				logger.Debug("CA bundle loaded", zap.String("path", path))
				loaded = true
				break
			}
		}
		if !loaded {
			logger.Warn("No CA bundle found, TLS connections will fail verification")
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: pool}

	// Per-request deadlines come from the caller's context.
	return &http.Client{Transport: transport}, nil
}
