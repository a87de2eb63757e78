// Package worker abstracts dispatching a health check to a single fleet
// worker. A dispatch only confirms that the worker accepted the work;
// the check's outcome always arrives later through the result callback.
package worker

import (
	"context"

	"github.com/ethpandaops/healthoor/pkg/fleet"
)

// DispatchRequest carries everything a worker needs to run its checks
// and report back.
type DispatchRequest struct {
	WorkerCheckID  string   `json:"worker_check_id"`
	CallbackURL    string   `json:"callback_url"`
	Categories     []string `json:"categories"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Client dispatches a check to one worker over whichever transport its
// address selects. A nil return means the worker accepted the check, not
// that it passed.
type Client interface {
	Dispatch(ctx context.Context, target fleet.Worker, req DispatchRequest) error
}
