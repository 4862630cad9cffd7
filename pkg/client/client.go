// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.
// Package client talks to a custodian's REST API. Custodian implements
// escrow.Custodian so an owner or buyer can drive remote custodians
// exactly like in-process ones.
package client

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/correlation"
	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/x25519"
	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/validation"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Config configures a remote custodian.
type Config struct {
	// ID names the custodian in logs and metrics.
	ID string

	// Address is the base URL, e.g. https://custodian-1.example:8443.
	// A bare host:port gets https:// when TLSEnabled is set.
	Address string

	// PublicKey is the custodian's X25519 public key in hex.
	PublicKey string

	TLSEnabled            bool
	TLSInsecureSkipVerify bool
	TLSCAFile             string
	TLSCertFile           string
	TLSKeyFile            string

	// Timeout caps a single HTTP exchange on top of the caller's context.
	Timeout time.Duration

	// Headers are added to every request.
	Headers map[string]string

	Breaker BreakerConfig
	Logger  logging.Logger

	// HTTPClient replaces the client built from the TLS settings.
	HTTPClient *http.Client
}

// Custodian is a remote custodian reached over HTTP.
type Custodian struct {
	id         string
	baseURL    string
	publicKey  *ecdh.PublicKey
	headers    map[string]string
	httpClient *http.Client
	breaker    *CircuitBreaker
	logger     logging.Logger
}

var _ escrow.Custodian = (*Custodian)(nil)

// New validates cfg and builds the HTTP client.
func New(cfg *Config) (*Custodian, error) {
	if cfg == nil {
		return nil, errors.New("client: config is required")
	}
	if err := validation.ValidateCustodianID(cfg.ID); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	baseURL, err := normalizeAddress(cfg.Address, cfg.TLSEnabled)
	if err != nil {
		return nil, err
	}

	var pub *ecdh.PublicKey
	if cfg.PublicKey != "" {
		if pub, err = x25519.ParsePublicKeyHex(cfg.PublicKey); err != nil {
			return nil, fmt.Errorf("client: custodian %s public key: %w", cfg.ID, err)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if httpClient, err = newHTTPClient(cfg); err != nil {
			return nil, err
		}
	}

	logger := logging.OrDefault(cfg.Logger).With(logging.Custodian(cfg.ID))
	return &Custodian{
		id:         cfg.ID,
		baseURL:    baseURL,
		publicKey:  pub,
		headers:    cfg.Headers,
		httpClient: httpClient,
		breaker:    NewCircuitBreaker(cfg.ID, cfg.Breaker, logger),
		logger:     logger,
	}, nil
}

func normalizeAddress(address string, tlsEnabled bool) (string, error) {
	if address == "" {
		return "", errors.New("client: address is required")
	}
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		if tlsEnabled {
			address = "https://" + address
		} else {
			address = "http://" + address
		}
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("client: invalid address %q", address)
	}
	return strings.TrimSuffix(address, "/"), nil
}

func newHTTPClient(cfg *Config) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSEnabled || strings.HasPrefix(cfg.Address, "https://") {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify, // #nosec G402 -- opt-in for test deployments
			MinVersion:         tls.VersionTLS12,
		}
		if cfg.TLSCAFile != "" {
			caCert, err := os.ReadFile(cfg.TLSCAFile)
			if err != nil {
				return nil, fmt.Errorf("client: failed to read CA certificate: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, errors.New("client: failed to parse CA certificate")
			}
			tlsConfig.RootCAs = pool
		}
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
			if err != nil {
				return nil, fmt.Errorf("client: failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout}, nil
}

// ID returns the custodian id.
func (c *Custodian) ID() string { return c.id }

// PublicKey returns the configured sealing key, nil if none was set.
func (c *Custodian) PublicKey() *ecdh.PublicKey { return c.publicKey }

// Breaker exposes the custodian's circuit breaker.
func (c *Custodian) Breaker() *CircuitBreaker { return c.breaker }

// StoreShare posts record to the custodian.
func (c *Custodian) StoreShare(ctx context.Context, record *escrow.ShareRecord) error {
	if record == nil {
		return fmt.Errorf("%w: nil record", escrow.ErrInvalidRequest)
	}
	var resp custodian.StoreResponse
	if err := c.do(ctx, http.MethodPost, custodian.PathItems, record, &resp); err != nil {
		return err
	}
	if !resp.Stored || resp.ItemID != record.ItemID || resp.ShareX != record.ShareX {
		return fmt.Errorf("%w: unexpected acknowledgement from %s", escrow.ErrShareRejected, c.id)
	}
	return nil
}

// ReleaseShare asks the custodian to release its share of req.ItemID.
func (c *Custodian) ReleaseShare(ctx context.Context, req *escrow.ReleaseRequest) (*escrow.ReleasedShare, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", escrow.ErrInvalidRequest)
	}
	if err := validation.ValidateItemID(req.ItemID); err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidRequest, err)
	}
	var share escrow.ReleasedShare
	body := &custodian.ReleaseBody{Requester: req.Requester, Grant: req.Grant}
	if err := c.do(ctx, http.MethodPost, itemPath(custodian.PathRelease, req.ItemID), body, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

// ShareInfo fetches the public description of the held share.
func (c *Custodian) ShareInfo(ctx context.Context, itemID string) (*custodian.ShareInfo, error) {
	if err := validation.ValidateItemID(itemID); err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidRequest, err)
	}
	var info custodian.ShareInfo
	if err := c.do(ctx, http.MethodGet, itemPath(custodian.PathShareInfo, itemID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// HealthResponse is the custodian's health answer.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health calls /health/ready.
func (c *Custodian) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health/ready", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close releases idle connections.
func (c *Custodian) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do performs one JSON exchange through the circuit breaker. Transport
// errors and 5xx answers count as breaker failures; any other answer,
// including refusals, proves the custodian is up.
func (c *Custodian) do(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, c.id)
	}

	status, data, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		// A cancelled caller says nothing about the custodian; a deadline does.
		if !errors.Is(ctx.Err(), context.Canceled) {
			c.breaker.Failure()
		}
		return err
	}
	if status >= 500 {
		c.breaker.Failure()
	} else {
		c.breaker.Success()
	}

	if status >= 400 {
		return decodeError(status, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: failed to decode %s response from %s: %w", path, c.id, err)
	}
	return nil
}

func (c *Custodian) roundTrip(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("client: failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("client: failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	correlation.Inject(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("client: request to %s failed: %w", c.id, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", logging.Error(closeErr))
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("client: failed to read response from %s: %w", c.id, err)
	}
	return resp.StatusCode, data, nil
}

func itemPath(pattern, itemID string) string {
	return strings.Replace(pattern, "{id}", url.PathEscape(itemID), 1)
}
