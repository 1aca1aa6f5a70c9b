package health

import (
	"context"
	"fmt"
	"net/http"
)

// Pinger is satisfied by connection pools that expose a Ping method, such as
// the pgx pools behind the knowledge and lead stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a [Checker] that pings the given pool. Use one per store
// (e.g. "knowledge", "leads") so a failing dependency is identifiable in the
// /readyz response.
func Database(name string, p Pinger) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			return nil
		},
	}
}

// CredentialService returns a [Checker] that probes the token-issuing
// endpoint with a HEAD request. Any HTTP response counts as reachable; calls
// cannot start when the service is down, so this check gates readiness.
func CredentialService(url string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name: "credential_service",
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("unreachable: %w", err)
			}
			resp.Body.Close()
			return nil
		},
	}
}
