// Package webhook implements the stateless EventBus subscriber that fans
// outbound HTTP POSTs to configured collector URLs, per spec.md §4.9.
// Grounded on provisr's pkg/client/client.go: the http.Client/transport
// construction (TLSClientConfig{SkipVerify, ServerName, CACert, ClientCert,
// ClientKey}, setupClientTLS/loadCACert) is reused near-verbatim for the
// outbound direction, and doRequest's Content-Type/error-handling shape
// carries over to postEvent. Unlike client.go (one caller awaiting one
// reply), Dispatcher fans one event out to every configured Target
// concurrently via golang.org/x/sync/errgroup, collecting failures without
// ever propagating them back to the emitting ManagedProcess, per spec.md §7
// ("WebhookFailure — logged; never affects engine state").
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tspmhq/tspm/internal/config"
	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/tspmerr"
)

// TLSConfig carries outbound TLS options for one Target, mirroring
// provisr's client.TLSClientConfig shape.
type TLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// Target is one configured webhook endpoint, per spec.md §4.9's
// {url, events?, headers?, enabled?} shape.
type Target struct {
	URL     string
	Events  []eventbus.Type // empty means "all"
	Headers map[string]string
	Enabled bool
	TLS     *TLSConfig
	Timeout time.Duration
}

func (t Target) wants(typ eventbus.Type) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == typ {
			return true
		}
	}
	return false
}

// payload is the wire shape from spec.md §6: {ts, event, data}.
type payload struct {
	Ts    int64         `json:"ts"`
	Event eventbus.Type `json:"event"`
	Data  any           `json:"data"`
}

const defaultUserAgent = "TSPM-Webhook/1.0"

// Dispatcher is a stateless eventbus.Listener factory: Subscribe wires it to
// a Bus via eventbus.Wildcard, and for every event it POSTs the JSON payload
// to every enabled, matching Target concurrently.
type Dispatcher struct {
	targets []Target
	clients []*http.Client
	logger  *slog.Logger
}

// New builds a Dispatcher for targets, constructing one *http.Client per
// target up front so per-target TLS configuration (and its cert-loading
// cost) happens once, not on every dispatched event.
func New(targets []Target, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clients := make([]*http.Client, len(targets))
	for i, t := range targets {
		timeout := t.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		transport := &http.Transport{}
		if t.TLS != nil {
			tlsCfg, err := buildTLSConfig(*t.TLS)
			if err != nil {
				return nil, fmt.Errorf("webhook: target %s: %w", t.URL, err)
			}
			transport.TLSClientConfig = tlsCfg
		}
		clients[i] = &http.Client{Timeout: timeout, Transport: transport}
	}
	return &Dispatcher{targets: targets, clients: clients, logger: logger}, nil
}

// TargetsFromConfig converts the daemon's declarative webhook config section
// into Target values, parsing each event name against eventbus's closed set
// and each Timeout string via time.ParseDuration. It lives here (rather
// than on config.WebhookConfig) so internal/config never needs to know
// eventbus.Type exists.
func TargetsFromConfig(cfgs []config.WebhookConfig) ([]Target, error) {
	targets := make([]Target, 0, len(cfgs))
	for _, c := range cfgs {
		var timeout time.Duration
		if c.Timeout != "" {
			d, err := time.ParseDuration(c.Timeout)
			if err != nil {
				return nil, fmt.Errorf("webhook: target %s: invalid timeout %q: %w", c.URL, c.Timeout, err)
			}
			timeout = d
		}

		events := make([]eventbus.Type, 0, len(c.Events))
		for _, name := range c.Events {
			events = append(events, eventbus.Type(name))
		}

		var tlsCfg *TLSConfig
		if c.CACert != "" || c.ClientCert != "" || c.ClientKey != "" || c.ServerName != "" || c.SkipVerify {
			tlsCfg = &TLSConfig{
				CACert:     c.CACert,
				ClientCert: c.ClientCert,
				ClientKey:  c.ClientKey,
				ServerName: c.ServerName,
				SkipVerify: c.SkipVerify,
			}
		}

		targets = append(targets, Target{
			URL:     c.URL,
			Events:  events,
			Headers: c.Headers,
			Enabled: c.Enabled,
			TLS:     tlsCfg,
			Timeout: timeout,
		})
	}
	return targets, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{}
	if cfg.SkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// Listener returns an eventbus.Listener suitable for
// Bus.Subscribe(eventbus.Wildcard, eventbus.Normal, ...).
// It never returns an error itself: per spec.md §4.9, webhook dispatch is
// best-effort and must never fail the emit.
func (d *Dispatcher) Listener() eventbus.Listener {
	return func(ctx context.Context, ev eventbus.Event) error {
		d.dispatch(ctx, ev)
		return nil
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev eventbus.Event) {
	body, err := json.Marshal(payload{
		Ts:    ev.Ts.UnixMilli(),
		Event: ev.Type,
		Data:  ev,
	})
	if err != nil {
		d.logger.Error("webhook: marshal event failed", "event", ev.Type, "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range d.targets {
		if !t.Enabled || !t.wants(ev.Type) {
			continue
		}
		i, t := i, t
		g.Go(func() error {
			if err := d.post(gctx, d.clients[i], t, body); err != nil {
				d.logger.Warn("webhook delivery failed",
					"url", t.URL, "event", ev.Type, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) post(ctx context.Context, client *http.Client, t Target, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return &tspmerr.WebhookFailure{URL: t.URL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &tspmerr.WebhookFailure{URL: t.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return &tspmerr.WebhookFailure{URL: t.URL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
