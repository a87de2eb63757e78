package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/healthoor/pkg/fleet"
	"github.com/sirupsen/logrus"
)

// Handler runs a check for an in-process worker. Implementations are
// responsible for delivering their result through the callback URL (or
// the ingest API directly) just like a remote worker would.
type Handler func(ctx context.Context, req DispatchRequest) error

// LocalRegistry holds in-process worker handlers keyed by handle name.
type LocalRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalRegistry creates an empty in-process handler registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a handle name. Re-registering replaces the
// previous handler.
func (r *LocalRegistry) Register(handle string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[handle] = h
}

// get returns the handler bound to a handle name.
func (r *LocalRegistry) get(handle string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[handle]

	return h, ok
}

// Compile-time interface check.
var _ Client = (*localClient)(nil)

type localClient struct {
	log      logrus.FieldLogger
	registry *LocalRegistry
}

// NewLocalClient creates a Client for workers living in this process.
func NewLocalClient(log logrus.FieldLogger, registry *LocalRegistry) Client {
	return &localClient{
		log:      log.WithField("component", "worker_local"),
		registry: registry,
	}
}

// Dispatch hands the request to the registered handler. A missing
// binding is a dispatch failure. The handler runs in its own goroutine
// with its own deadline so the fan-out is not blocked by slow handlers.
func (c *localClient) Dispatch(
	_ context.Context, target fleet.Worker, req DispatchRequest,
) error {
	handle := target.LocalHandle()

	h, ok := c.registry.get(handle)
	if !ok {
		return fmt.Errorf("no local handler bound for %q", handle)
	}

	go func() {
		ctx := context.Background()

		if req.TimeoutSeconds > 0 {
			var cancel context.CancelFunc

			ctx, cancel = context.WithTimeout(
				ctx, time.Duration(req.TimeoutSeconds)*time.Second,
			)
			defer cancel()
		}

		if err := h(ctx, req); err != nil {
			c.log.WithError(err).
				WithField("worker", target.Name).
				Warn("Local worker handler failed")
		}
	}()

	return nil
}
