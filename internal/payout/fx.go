package payout

import (
	"go.uber.org/fx"

	"github.com/prestalabs/prestapay/internal/payout/service"
)

var Module = fx.Module("payout",
	fx.Provide(service.NewService),
)
