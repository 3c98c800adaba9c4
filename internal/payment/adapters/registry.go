// Package adapters holds the gateway adapter registry.
package adapters

import (
	"strings"

	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
)

type Registry struct {
	gateways map[string]paymentdomain.Gateway
}

func NewRegistry(gateways ...paymentdomain.Gateway) *Registry {
	byName := make(map[string]paymentdomain.Gateway, len(gateways))
	for _, g := range gateways {
		byName[strings.ToLower(g.Provider())] = g
	}
	return &Registry{gateways: byName}
}

func (r *Registry) Get(provider string) (paymentdomain.Gateway, error) {
	g, ok := r.gateways[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, paymentdomain.ErrUnknownProvider
	}
	return g, nil
}
