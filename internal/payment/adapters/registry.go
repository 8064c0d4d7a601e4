package adapters

import (
	"strings"

	"github.com/smallbiznis/clientportal/internal/payment/domain"
)

// Registry resolves payment gateways by provider name.
type Registry struct {
	gateways map[string]domain.Gateway
}

func NewRegistry(gateways ...domain.Gateway) *Registry {
	registry := &Registry{gateways: map[string]domain.Gateway{}}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		provider := normalize(gateway.Provider())
		if provider == "" {
			continue
		}
		registry.gateways[provider] = gateway
	}
	return registry
}

func (r *Registry) Get(provider string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	gateway, ok := r.gateways[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gateway, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
