package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/cuemby/codalab-worker/pkg/security"
	"github.com/cuemby/codalab-worker/pkg/types"
)

// DefaultFinalizeDeadline bounds how long FinalizeBundle retries
// server-side errors before giving up, per the check-in retry contract.
const DefaultFinalizeDeadline = 6 * time.Hour

// Client talks to the bundle service's HTTP+JSON API on behalf of one
// worker. All calls are scoped to the worker ID baked in at construction.
type Client struct {
	http            *http.Client
	baseURL         string
	workerID        string
	finalizeDeadline time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithFinalizeDeadline overrides DefaultFinalizeDeadline.
func WithFinalizeDeadline(d time.Duration) Option {
	return func(c *Client) { c.finalizeDeadline = d }
}

// New creates a Client for baseURL (e.g. "https://bundles.example.com")
// authenticated with mTLS using the certificate pair at certDir, following
// GatewayAuth's certificate layout.
func New(baseURL, workerID, certDir string, opts ...Option) (*Client, error) {
	tlsConfig, err := mtlsConfig(certDir)
	if err != nil {
		return nil, fmt.Errorf("client: build TLS config: %w", err)
	}

	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   30 * time.Second,
		},
		baseURL:          baseURL,
		workerID:         workerID,
		finalizeDeadline: DefaultFinalizeDeadline,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func mtlsConfig(certDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certDir+"/client.crt", certDir+"/client.key")
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	caBytes, err := os.ReadFile(certDir + "/ca.crt")
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("parse CA cert")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Checkin sends one check-in request and returns the command the service
// replied with, or nil if it returned no command.
func (c *Client) Checkin(ctx context.Context, req types.CheckinRequest) (*types.CheckinCommand, error) {
	var cmd *types.CheckinCommand
	err := c.postJSON(ctx, fmt.Sprintf("/workers/%s/checkin", c.workerID), req, &cmd)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// StartBundle claims bundleUUID for this worker. A false result means the
// bundle has already been claimed or reassigned elsewhere; the caller must
// discard the pending run rather than start it.
func (c *Client) StartBundle(ctx context.Context, bundleUUID string) (bool, error) {
	body := struct {
		Hostname  string    `json:"hostname"`
		StartTime time.Time `json:"start_time"`
	}{hostname(), time.Now()}

	var claimed bool
	err := c.postJSON(ctx, fmt.Sprintf("/workers/%s/start_bundle/%s", c.workerID, bundleUUID), body, &claimed)
	return claimed, err
}

// FinalizeBundle reports a run's terminal outcome. Server-side (5xx)
// errors are retried with bounded backoff up to the configured deadline,
// since the work itself is already done and only the report is pending;
// client-side (4xx) errors are surfaced immediately.
func (c *Client) FinalizeBundle(ctx context.Context, final types.FinalState) error {
	path := fmt.Sprintf("/workers/%s/finalize_bundle/%s", c.workerID, final.UUID)
	return c.postJSONWithRetry(ctx, path, final, nil, c.finalizeDeadline)
}

// UpdateBundleContents streams a chunked tar-gzip body as the run's
// result contents.
func (c *Client) UpdateBundleContents(ctx context.Context, uuid string, tarGzip io.Reader) error {
	url := c.baseURL + fmt.Sprintf("/workers/%s/bundle_contents/%s", c.workerID, uuid)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, tarGzip)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/gzip")
	httpReq.TransferEncoding = []string{"chunked"}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upload bundle contents: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upload bundle contents: status %d", resp.StatusCode)
	}
	return nil
}

// Reply sends a read/write reply envelope back for a gateway socket.
func (c *Client) Reply(ctx context.Context, socketID string, envelope any) error {
	return c.postJSON(ctx, fmt.Sprintf("/workers/%s/reply/%s", c.workerID, socketID), envelope, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.postJSONWithRetry(ctx, path, body, out, 0)
}

// postJSONWithRetry issues one POST, retrying 5xx responses with bounded
// exponential backoff until deadline elapses (deadline == 0 means no retry).
func (c *Client) postJSONWithRetry(ctx context.Context, path string, body, out any, deadline time.Duration) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	backoff := time.Second
	var deadlineAt time.Time
	if deadline > 0 {
		deadlineAt = time.Now().Add(deadline)
	}

	for {
		resp, err := c.doPost(ctx, path, payload)
		if err != nil {
			return err
		}

		if resp.StatusCode < 300 {
			defer resp.Body.Close()
			if out != nil {
				if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil && decErr != io.EOF {
					return fmt.Errorf("decode response: %w", decErr)
				}
			}
			return nil
		}

		retryable := resp.StatusCode >= 500
		resp.Body.Close()
		if !retryable || deadline == 0 || time.Now().After(deadlineAt) {
			return fmt.Errorf("%s: status %d", path, resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (c *Client) doPost(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return resp, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// RequestSharedSecretAuth attaches a shared-secret header to every request
// this Client makes, as an alternative to mTLS (see security.GatewayAuth).
func (c *Client) RequestSharedSecretAuth(secret string) {
	c.http.Transport = &security.SharedSecretTransport{
		Secret: secret,
		Base:   c.http.Transport,
	}
}
