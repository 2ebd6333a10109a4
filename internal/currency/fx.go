package currency

import (
	"github.com/smallbiznis/coursepay/internal/config"
	currencydomain "github.com/smallbiznis/coursepay/internal/currency/domain"
	"github.com/smallbiznis/coursepay/internal/currency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("currency.converter",
	fx.Provide(func(cfg config.Config) currencydomain.RateSource {
		return service.NewHTTPRateSource(cfg.Payments.RatesAPIURL, nil)
	}),
	fx.Provide(service.NewConverter),
	fx.Provide(func(c *service.Converter) currencydomain.Converter { return c }),
)
