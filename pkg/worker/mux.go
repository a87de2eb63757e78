package worker

import (
	"context"

	"github.com/ethpandaops/healthoor/pkg/fleet"
)

// Compile-time interface check.
var _ Client = (*muxClient)(nil)

// muxClient routes dispatches to the HTTP or in-process client based on
// the target's address scheme so callers never branch on transport.
type muxClient struct {
	http  Client
	local Client
}

// NewMuxClient creates a Client that fronts both transports.
func NewMuxClient(httpClient, localClient Client) Client {
	return &muxClient{
		http:  httpClient,
		local: localClient,
	}
}

func (c *muxClient) Dispatch(
	ctx context.Context, target fleet.Worker, req DispatchRequest,
) error {
	if target.IsLocal() {
		return c.local.Dispatch(ctx, target, req)
	}

	return c.http.Dispatch(ctx, target, req)
}
