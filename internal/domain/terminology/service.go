package terminology

import (
	"context"
	"fmt"
	"strings"
)

// Service validates lookup requests before handing them to a Resolver.
type Service struct {
	resolver Resolver
}

// NewService creates a new terminology service.
func NewService(resolver Resolver) *Service {
	return &Service{resolver: resolver}
}

// Resolve looks up a single source code in the named domain.
func (s *Service) Resolve(ctx context.Context, code, domain string) (*Resolution, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	d, err := ParseDomain(domain)
	if err != nil {
		return nil, err
	}

	id, ok, err := s.resolver.Resolve(ctx, code, d)
	if err != nil {
		return nil, err
	}
	return &Resolution{SourceCode: code, Domain: d, ConceptID: id, Resolved: ok}, nil
}

// ResolveBatch resolves several codes of one domain. Results keep the input
// order.
func (s *Service) ResolveBatch(ctx context.Context, codes []string, domain string) ([]*Resolution, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: at least one code is required", ErrInvalidRequest)
	}
	results := make([]*Resolution, 0, len(codes))
	for _, code := range codes {
		r, err := s.Resolve(ctx, code, domain)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", code, err)
		}
		results = append(results, r)
	}
	return results, nil
}
