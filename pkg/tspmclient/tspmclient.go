// Package tspmclient is an HTTP client for a tspm daemon's control API
// (internal/apiserver), grounded on provisr's pkg/client/client.go: same
// Config{BaseURL, Timeout, Logger, TLS, Insecure}/TLSConfig shape, the same
// setupClientTLS/loadCACert construction, and the same doRequest error
// handling. Unlike provisr's client (register/start/stop/unregister as
// distinct verbs over a stateful registry), tspm's control API exposes
// start/stop/restart/scale directly against names the daemon's config
// already declared, so this client has no RegisterProcess/UnregisterProcess
// analogue.
package tspmclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// TLSConfig carries outbound TLS options, mirroring provisr's
// TLSClientConfig.
type TLSConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSConfig
	Insecure bool
}

// DefaultConfig returns the client config for a local, plaintext daemon.
func DefaultConfig() Config {
	return Config{BaseURL: "http://localhost:8080/api", Timeout: 10 * time.Second}
}

// Client talks to one tspm daemon's control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New constructs a Client from cfg, applying defaults for zero fields.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080/api"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if (cfg.TLS != nil && cfg.TLS.Enabled) || cfg.Insecure {
		tlsCfg, err := setupClientTLS(cfg)
		if err != nil {
			return nil, fmt.Errorf("tspmclient: tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &Client{
		baseURL: cfg.BaseURL,
		logger:  cfg.Logger,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func setupClientTLS(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{}
	if cfg.Insecure {
		tlsCfg.InsecureSkipVerify = true
		return tlsCfg, nil
	}
	if cfg.TLS == nil {
		return tlsCfg, nil
	}
	if cfg.TLS.SkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	if cfg.TLS.ServerName != "" {
		tlsCfg.ServerName = cfg.TLS.ServerName
	}
	if cfg.TLS.CACert != "" {
		if err := loadCACert(tlsCfg, cfg.TLS.CACert); err != nil {
			return nil, fmt.Errorf("load CA certificate: %w", err)
		}
	}
	if cfg.TLS.ClientCert != "" && cfg.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func loadCACert(tlsCfg *tls.Config, caCertPath string) error {
	// #nosec G304 -- CA cert path is operator-supplied client configuration
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("parse CA certificate")
	}
	tlsCfg.RootCAs = pool
	return nil
}

// Status mirrors managedprocess.Status's JSON shape without importing the
// engine package, so this client stays usable from outside the module.
// State is the numeric managedprocess.State value the daemon encodes.
type Status struct {
	Name          string    `json:"Name"`
	State         int       `json:"State"`
	RestartCount  int       `json:"RestartCount"`
	LastStartedAt time.Time `json:"LastStartedAt"`
}

// Start starts the named process.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/start?name="+url.QueryEscape(name), nil, nil)
}

// Stop stops the named process.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/stop?name="+url.QueryEscape(name), nil, nil)
}

// Restart restarts the named process.
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/restart?name="+url.QueryEscape(name), nil, nil)
}

// Scale sets the named process's instance count.
func (c *Client) Scale(ctx context.Context, name string, instances int) error {
	u := fmt.Sprintf("%s/scale?name=%s&instances=%d", c.baseURL, url.QueryEscape(name), instances)
	return c.doRequest(ctx, http.MethodPost, u, nil, nil)
}

// Status fetches one process's status, or every process's if name is empty.
func (c *Client) Status(ctx context.Context, name string) ([]Status, error) {
	u := c.baseURL + "/status"
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	var out []Status
	if name == "" {
		if err := c.doRequest(ctx, http.MethodGet, u, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var single Status
	if err := c.doRequest(ctx, http.MethodGet, u, nil, &single); err != nil {
		return nil, err
	}
	return []Status{single}, nil
}

// IsReachable reports whether the daemon answers /status at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("tspmclient: daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

func (c *Client) doRequest(ctx context.Context, method, u string, body []byte, out any) error {
	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("tspmclient: request failed", "url", u, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tspmclient: %s %s: status %d: %s", method, u, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
