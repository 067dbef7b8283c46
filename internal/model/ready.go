package model

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pyceon-backend/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

const (
	readyInitialInterval = 250 * time.Millisecond
	readyMaxInterval     = 5 * time.Second
)

func newReadyBackoff(ctx context.Context, maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = readyInitialInterval
	b.MaxInterval = readyMaxInterval
	b.MaxElapsedTime = maxElapsed
	return backoff.WithContext(b, ctx)
}

// WaitReady polls {baseURL}/health until llama-server answers 2xx or
// maxElapsed passes.
func WaitReady(ctx context.Context, client *http.Client, baseURL string, maxElapsed time.Duration) error {
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(baseURL, "/") + "/health"

	attempt := 0
	probe := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			logger.Debugf("llama-server not ready (attempt %d): %v", attempt, err)
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			logger.Debugf("llama-server not ready (attempt %d): status %d", attempt, resp.StatusCode)
			return fmt.Errorf("health status %d", resp.StatusCode)
		}
		return nil
	}

	if err := backoff.Retry(probe, newReadyBackoff(ctx, maxElapsed)); err != nil {
		return fmt.Errorf("llama-server at %s not ready after %d attempts: %w", baseURL, attempt, err)
	}
	logger.Infof("llama-server ready at %s", baseURL)
	return nil
}
