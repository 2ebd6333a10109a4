package payment

import (
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/payment/adapters"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/paypal"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/razorpay"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/simulated"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/stripe"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/yoco"
	"github.com/smallbiznis/coursepay/internal/payment/checkout"
	"github.com/smallbiznis/coursepay/internal/payment/repository"
	"github.com/smallbiznis/coursepay/internal/payment/webhook"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(clk clock.Clock) *simulated.Simulator {
		return simulated.NewSimulator(clk)
	}),
	fx.Provide(func(sim *simulated.Simulator) *adapters.Registry {
		return adapters.NewRegistry(sim,
			stripe.NewFactory(),
			paypal.NewFactory(),
			razorpay.NewFactory(),
			yoco.NewFactory(),
		)
	}),
	fx.Provide(func(locker *ratelimit.Locker) checkout.Locker {
		if locker == nil {
			return nil
		}
		return locker
	}),
	fx.Provide(checkout.NewService),
	fx.Provide(webhook.NewService),
)
