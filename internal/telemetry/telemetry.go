// Package telemetry implements the periodic remote-control status report:
// one JSON POST per downstream worker, on a fixed interval, with failures
// logged and retried next tick rather than treated as fatal.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config is the ccClient block of the proxy's configuration document.
type Config struct {
	Host                  string
	Port                  int
	TLS                   bool
	WorkerID              string
	AccessToken           string
	UpdateIntervalSeconds int
}

func (c Config) baseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// ClientStatus is one downstream worker's reported status, the wire shape of
// `client_status` body.
type ClientStatus struct {
	ClientID        string  `json:"client_id"`
	CurrentStatus   string  `json:"current_status"`
	CurrentPool     string  `json:"current_pool"`
	CurrentAlgoName string  `json:"current_algo_name"`
	CPUBrand        string  `json:"cpu_brand"`
	ExternalIP      string  `json:"external_ip"`
	Version         string  `json:"version"`
	HashRateShort   float64 `json:"hashrate_short"`
	HashRateMedium  float64 `json:"hashrate_medium"`
	HashRateLong    float64 `json:"hashrate_long"`
	HashRateHighest float64 `json:"hashrate_highest"`
	CurrentThreads  int     `json:"current_threads"`
	SharesGood      uint64  `json:"shares_good"`
	SharesTotal     uint64  `json:"shares_total"`
	HashesTotal     uint64  `json:"hashes_total"`
	Uptime          int64   `json:"uptime"`
}

type statusEnvelope struct {
	ClientStatus ClientStatus `json:"client_status"`
}

// Reporter polls Sources on a fixed interval and POSTs one status body
// per ClientStatus it returns.
type Reporter struct {
	cfg    Config
	logger *zap.Logger
	client *http.Client

	// Sources is asked, once per tick, for the current status of every
	// downstream worker the proxy wants reported. Set by the caller
	// (typically the Proxy, since it alone knows which Pool a worker is
	// attached to).
	Sources func() []ClientStatus
}

// New returns a Reporter ready to Run. client may be nil, in which
// case http.DefaultClient is used.
func New(cfg Config, logger *zap.Logger, client *http.Client) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.UpdateIntervalSeconds <= 0 {
		cfg.UpdateIntervalSeconds = 60
	}
	return &Reporter{cfg: cfg, logger: logger.Named("telemetry"), client: client}
}

// Run posts every Sources status on a fixed interval until ctx is
// cancelled. A failed POST is logged and simply retried next tick
// (original_source/src/proxy/ccclient.cpp's send/connect loop never
// treats a failure as fatal).
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.UpdateIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	if r.Sources == nil {
		return
	}
	for _, status := range r.Sources() {
		if err := r.post(ctx, status); err != nil {
			r.logger.Warn("failed to publish client status", zap.String("client_id", status.ClientID), zap.Error(err))
		}
	}
}

func (r *Reporter) post(ctx context.Context, status ClientStatus) error {
	body, err := json.Marshal(statusEnvelope{ClientStatus: status})
	if err != nil {
		return fmt.Errorf("telemetry: encode status: %w", err)
	}

	url := fmt.Sprintf("%s/client/setClientStatus?clientId=%s-%s", r.cfg.baseURL(), r.cfg.WorkerID, status.ClientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.AccessToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: post status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry: status endpoint returned %s", resp.Status)
	}
	return nil
}
