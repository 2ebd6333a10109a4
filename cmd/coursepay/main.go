package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/credential"
	"github.com/smallbiznis/coursepay/internal/currency"
	"github.com/smallbiznis/coursepay/internal/ledger"
	"github.com/smallbiznis/coursepay/internal/migration"
	"github.com/smallbiznis/coursepay/internal/observability"
	"github.com/smallbiznis/coursepay/internal/payment"
	"github.com/smallbiznis/coursepay/internal/providers"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	"github.com/smallbiznis/coursepay/internal/receipt"
	"github.com/smallbiznis/coursepay/internal/scheduler"
	"github.com/smallbiznis/coursepay/internal/server"
	"github.com/smallbiznis/coursepay/internal/subscription"
	"github.com/smallbiznis/coursepay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,
		providers.Module,

		// Functional Domains
		credential.Module,
		currency.Module,
		subscription.Module,
		ledger.Module,
		receipt.Module,
		payment.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
