package refund

import (
	"go.uber.org/fx"

	"github.com/prestalabs/prestapay/internal/refund/service"
)

var Module = fx.Module("refund",
	fx.Provide(service.NewService),
)
