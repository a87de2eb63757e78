package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/healthoor/pkg/fleet"
	"github.com/sirupsen/logrus"
)

// dispatchPath is the well-known endpoint workers expose for check runs.
const dispatchPath = "/checks/run"

// Compile-time interface check.
var _ Client = (*httpClient)(nil)

type httpClient struct {
	log     logrus.FieldLogger
	client  *http.Client
	timeout time.Duration
}

// NewHTTPClient creates a Client that dispatches checks over HTTP. The
// timeout bounds each dispatch request; it must be shorter than the
// run's overall timeout.
func NewHTTPClient(log logrus.FieldLogger, timeout time.Duration) Client {
	return &httpClient{
		log:     log.WithField("component", "worker_http"),
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Dispatch POSTs the request to the worker's check endpoint. Any
// transport error or non-2xx response is a dispatch failure.
func (c *httpClient) Dispatch(
	ctx context.Context, target fleet.Worker, req DispatchRequest,
) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding dispatch request: %w", err)
	}

	endpoint := strings.TrimSuffix(target.Address, "/") + dispatchPath

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building dispatch request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatching to %s: %w", target.Name, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf(
			"worker %s rejected dispatch: status %d", target.Name, resp.StatusCode,
		)
	}

	c.log.WithFields(logrus.Fields{
		"worker":          target.Name,
		"worker_check_id": req.WorkerCheckID,
	}).Debug("Dispatch accepted")

	return nil
}
