package adapters

import (
	"sort"
	"strings"

	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
)

// Registry maps gateway ids to adapter factories. It is the only place where
// a gateway id selects behavior.
type Registry struct {
	factories map[string]domain.AdapterFactory
	simulator domain.Simulator
}

func NewRegistry(simulator domain.Simulator, factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		simulator: simulator,
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		gateway := normalize(factory.Gateway())
		if gateway == "" {
			continue
		}
		registry.factories[gateway] = factory
	}
	return registry
}

func (r *Registry) GatewayExists(gatewayID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(gatewayID)]
	return ok
}

// Gateways lists registered gateway ids in sorted order.
func (r *Registry) Gateways() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewAdapter builds the adapter for creds. Test-mode credentials get the
// simulated variant wrapped around the real adapter.
func (r *Registry) NewAdapter(gatewayID string, creds credentialdomain.Credentials) (domain.GatewayAdapter, error) {
	if r == nil {
		return nil, domain.ErrGatewayNotFound
	}
	factory, ok := r.factories[normalize(gatewayID)]
	if !ok {
		return nil, domain.ErrGatewayNotFound
	}
	adapter, err := factory.NewAdapter(creds)
	if err != nil {
		return nil, err
	}
	if creds.TestMode && r.simulator != nil {
		return r.simulator.Simulate(adapter, creds), nil
	}
	return adapter, nil
}

func normalize(gatewayID string) string {
	return strings.ToLower(strings.TrimSpace(gatewayID))
}
