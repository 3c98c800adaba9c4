package commission

import (
	"go.uber.org/fx"

	"github.com/prestalabs/prestapay/internal/commission/service"
)

var Module = fx.Module("commission.engine",
	fx.Provide(service.NewEngine),
)
