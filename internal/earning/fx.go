package earning

import (
	"go.uber.org/fx"

	"github.com/prestalabs/prestapay/internal/earning/service"
)

var Module = fx.Module("earning.service",
	fx.Provide(service.NewService),
)
