package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"termlink/models"
)

// DefaultHealthTimeout bounds one health request.
const DefaultHealthTimeout = 10 * time.Second

// HealthStatus is the body of the host health endpoint.
type HealthStatus struct {
	Status   string `json:"status"`
	Service  string `json:"service,omitempty"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions"`
}

// HealthOptions controls CheckHealth retry behavior.
type HealthOptions struct {
	Timeout    time.Duration
	RetryMax   int
	RetryWait  time.Duration
	RetryLimit time.Duration
}

// CheckHealth queries the health endpoint of a paired host over a connection
// pinned to the device certificate.
func CheckHealth(ctx context.Context, device models.PairedDevice, options HealthOptions) (HealthStatus, error) {
	if err := ValidateAddress(device.Host, device.Port); err != nil {
		return HealthStatus{}, err
	}

	if options.Timeout <= 0 {
		options.Timeout = DefaultHealthTimeout
	}
	if options.RetryWait <= 0 {
		options.RetryWait = 200 * time.Millisecond
	}
	if options.RetryLimit <= 0 {
		options.RetryLimit = 2 * time.Second
	}

	verifier := newPinVerifier(device.CertificateFingerprint)

	client := retryablehttp.NewClient()
	client.RetryMax = options.RetryMax
	client.RetryWaitMin = options.RetryWait
	client.RetryWaitMax = options.RetryLimit
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout:   options.Timeout,
		Transport: &http.Transport{TLSClientConfig: verifier.config()},
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if mismatch := verifier.observedMismatch(); mismatch != nil {
			return false, mismatch
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, EndpointURL("https", device.Host, device.Port, HealthPath), nil)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("build health request: %w", err)
	}

	resp, err := client.Do(req)
	if mismatch := verifier.observedMismatch(); mismatch != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return HealthStatus{}, mismatch
	}
	if err != nil {
		return HealthStatus{}, &ConnectionFailedError{Reason: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthStatus{}, &ConnectionFailedError{Reason: fmt.Sprintf("health endpoint returned %s", resp.Status)}
	}

	var status HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&status); err != nil {
		return HealthStatus{}, fmt.Errorf("decode health response: %w", err)
	}
	return status, nil
}
