package settlement

import (
	"go.uber.org/fx"

	"github.com/prestalabs/prestapay/internal/settlement/service"
)

var Module = fx.Module("settlement.service",
	fx.Provide(service.NewService),
)
