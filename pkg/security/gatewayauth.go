package security

import (
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// SharedSecretHeader is the HTTP header carrying the gateway's bearer
// credential when GatewayAuth is configured for shared-secret mode.
const SharedSecretHeader = "X-Worker-Gateway-Secret"

// GatewayAuth authenticates the two parties allowed onto the
// ConnectionGateway's WebSocket endpoint: the worker and the bundle
// service. Exactly one of SharedSecret or MTLS is configured at a time;
// which one is an explicit open question left to the deployer (see the
// worker's design notes on gateway authentication).
type GatewayAuth struct {
	// SharedSecret, if non-empty, is compared against SharedSecretHeader
	// on every request using a constant-time comparison.
	SharedSecret string

	// MTLS, if non-nil and SharedSecret is empty, makes Authenticate
	// require a client certificate on the connection; chaining to this pool
	// is checked by the TLS handshake that BuildServerTLSConfig sets up for
	// an http.Server.
	MTLS *x509.CertPool
}

// Authenticate reports whether r is allowed to use the gateway. HTTP
// handlers should call this before upgrading a connection.
func (a GatewayAuth) Authenticate(r *http.Request) bool {
	if a.SharedSecret != "" {
		got := r.Header.Get(SharedSecretHeader)
		return subtle.ConstantTimeCompare([]byte(got), []byte(a.SharedSecret)) == 1
	}
	if a.MTLS != nil {
		return r.TLS != nil && len(r.TLS.PeerCertificates) > 0
	}
	// Neither mode configured: fail closed rather than silently allow.
	return false
}

// BuildServerTLSConfig returns a server-side TLS config requiring client
// certificates verified against a.MTLS, for use when MTLS mode is active.
func (a GatewayAuth) BuildServerTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certDir+"/server.crt", certDir+"/server.key")
	if err != nil {
		return nil, fmt.Errorf("security: load gateway server keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    a.MTLS,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// LoadMTLSPool reads a PEM-encoded CA bundle from path for use as
// GatewayAuth.MTLS.
func LoadMTLSPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("security: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("security: parse CA bundle at %s", path)
	}
	return pool, nil
}

// SharedSecretTransport is an http.RoundTripper that stamps every outbound
// request with SharedSecretHeader, for clients talking to a
// shared-secret-gated gateway or bundle service.
type SharedSecretTransport struct {
	Secret string
	Base   http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *SharedSecretTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set(SharedSecretHeader, t.Secret)
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(cloned)
}
