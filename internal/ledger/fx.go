package ledger

import (
	"github.com/smallbiznis/coursepay/internal/ledger/repository"
	"github.com/smallbiznis/coursepay/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
