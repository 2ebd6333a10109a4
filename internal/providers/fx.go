package providers

import (
	"github.com/smallbiznis/coursepay/internal/providers/email"
	"github.com/smallbiznis/coursepay/internal/providers/pdf"
	"github.com/smallbiznis/coursepay/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
	slack.Module,
)
