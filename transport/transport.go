// Package transport provides the concrete net/http collaborators that
// tslservice.HTTPClient, ocspclient.RequestSender, and idpupdater.HTTPClient
// are defined against as narrow interfaces. It is grounded on the teacher's
// va/http.go newHTTPClient (a custom *http.Transport tuned for short-lived,
// single-use requests) generalized from HTTP-01 validation's "talk to an
// untrusted subscriber once" shape to "talk to a configured, trusted TSL or
// IDP download endpoint repeatedly".
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client fetches response bodies over HTTPS and posts DER-encoded OCSP
// requests, sized to the same *http.Client for both concerns since neither
// keeps per-call state.
type Client struct {
	http *http.Client
}

// New builds a Client whose dial/TLS-handshake phase is bounded by
// connectTimeout; cipherSuites, when non-empty, is a comma-separated list
// of Go crypto/tls cipher-suite names (e.g.
// TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256) restricting the TLS handshake
// (TSL_DOWNLOAD_CIPHERS).
func New(connectTimeout time.Duration, cipherSuites string) (*Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cipherSuites != "" {
		suites, err := parseCipherSuites(cipherSuites)
		if err != nil {
			return nil, err
		}
		tlsConfig.CipherSuites = suites
	}
	return &Client{
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSClientConfig:     tlsConfig,
				TLSHandshakeTimeout: connectTimeout,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        10,
			},
		},
	}, nil
}

func parseCipherSuites(csv string) ([]uint16, error) {
	names := strings.Split(csv, ",")
	known := map[string]uint16{}
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown TLS cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get implements tslservice.HTTPClient and idpupdater.HTTPClient: a plain
// GET whose response body is fully drained into memory.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	return body, nil
}

// Send implements ocspclient.RequestSender: a POST of a DER-encoded OCSP
// request with the application/ocsp-request content type RFC 6960 §4.1
// requires.
func (c *Client) Send(ctx context.Context, url string, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("POST %s: unexpected status %s", url, resp.Status)
	}
	return body, nil
}
