package terminology

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ServiceResolver resolves codes through a remote vocabulary service that
// exposes GET /concepts/resolve (see Handler). Requests are not retried.
type ServiceResolver struct {
	http *resty.Client
}

func NewServiceResolver(baseURL string, timeout time.Duration) *ServiceResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &ServiceResolver{http: client}
}

func (r *ServiceResolver) Resolve(ctx context.Context, code string, domain Domain) (int64, bool, error) {
	if code == "" {
		return Unresolved, false, nil
	}

	var out Resolution
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"code":   code,
			"domain": string(domain),
		}).
		SetResult(&out).
		Get("/concepts/resolve")
	if err != nil {
		return Unresolved, false, fmt.Errorf("vocab service: %w", err)
	}
	if resp.IsError() {
		return Unresolved, false, fmt.Errorf("vocab service: %s/%s: status %d", domain, code, resp.StatusCode())
	}
	if !out.Resolved {
		return Unresolved, false, nil
	}
	return out.ConceptID, true, nil
}
