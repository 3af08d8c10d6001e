// Package client is the fleet-side consumer of the identity pool
// service. It fetches identities over HTTP, retrying against an
// ordered list of candidate addresses before giving up.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/entrhq/viewerfleet/pkg/identity"
	"github.com/entrhq/viewerfleet/pkg/logging"
	"github.com/entrhq/viewerfleet/pkg/retry"
)

const (
	attemptsPerAddress = 3
	attemptDelay       = 2 * time.Second
	requestTimeout     = 10 * time.Second
)

// Client fetches identities from fingerprintd.
type Client struct {
	addrs []string
	http  *http.Client
	log   *logging.Logger

	policy retry.Policy
}

// New creates a client over the ordered candidate addresses. The first
// address is the preferred service; later entries are fallbacks.
func New(addrs []string, log *logging.Logger) *Client {
	return &Client{
		addrs: addrs,
		http:  &http.Client{Timeout: requestTimeout},
		log:   log,
		policy: retry.Policy{
			MaxAttempts: attemptsPerAddress,
			Backoff:     retry.Fixed(attemptDelay),
		},
	}
}

// SetRetryPolicy overrides the per-address retry policy. Used by tests
// and by deployments that tune the delays through configuration.
func (c *Client) SetRetryPolicy(p retry.Policy) {
	c.policy = p
}

// Next fetches one round-robin identity. Each candidate address gets
// the full per-address retry budget before the client fails over to
// the next one; only when every address is exhausted does Next fail.
func (c *Client) Next(ctx context.Context) (identity.Identity, error) {
	if len(c.addrs) == 0 {
		return identity.Identity{}, fmt.Errorf("no identity service addresses configured")
	}

	var lastErr error
	for _, addr := range c.addrs {
		var got identity.Identity
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			id, err := c.fetch(ctx, addr+"/next")
			if err != nil {
				return err
			}
			got = id
			return nil
		})
		if err == nil {
			return got, nil
		}
		if ctx.Err() != nil {
			return identity.Identity{}, ctx.Err()
		}
		c.log.Warnf("identity service %s unavailable, failing over: %v", addr, err)
		lastErr = err
	}
	return identity.Identity{}, fmt.Errorf("all identity service addresses exhausted: %w", lastErr)
}

// FetchBatch fetches count identities up front. Any failure aborts the
// whole batch; there is no partial-identity mode.
func (c *Client) FetchBatch(ctx context.Context, count int) ([]identity.Identity, error) {
	ids := make([]identity.Identity, 0, count)
	for i := 0; i < count; i++ {
		id, err := c.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching identity %d of %d: %w", i+1, count, err)
		}
		ids = append(ids, id)
	}
	c.log.Infof("fetched %d identities from pool service", count)
	return ids, nil
}

func (c *Client) fetch(ctx context.Context, url string) (identity.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return identity.Identity{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return identity.Identity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return identity.Identity{}, fmt.Errorf("identity service returned %s", resp.Status)
	}

	var id identity.Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return identity.Identity{}, fmt.Errorf("decoding identity: %w", err)
	}
	return id, nil
}
