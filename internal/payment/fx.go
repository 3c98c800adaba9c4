package payment

import (
	"go.uber.org/fx"

	"github.com/prestalabs/prestapay/internal/config"
	"github.com/prestalabs/prestapay/internal/payment/adapters"
	"github.com/prestalabs/prestapay/internal/payment/adapters/mangopay"
	"github.com/prestalabs/prestapay/internal/payment/adapters/stripe"
	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
	paymentservice "github.com/prestalabs/prestapay/internal/payment/service"
)

var Module = fx.Module("payment.service",
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		return adapters.NewRegistry(
			stripe.New(cfg.Gateway.APIKey, cfg.Gateway.BaseURL, cfg.Gateway.Timeout),
			mangopay.New(cfg.Gateway.ClientID, cfg.Gateway.APIKey, cfg.Gateway.BaseURL, cfg.Gateway.Timeout),
		)
	}),
	fx.Provide(func(cfg config.Config, registry *adapters.Registry) (paymentdomain.Gateway, error) {
		return registry.Get(cfg.Gateway.Provider)
	}),
	fx.Provide(paymentservice.NewService),
)
