package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
)

// Config is the observability slice of the process configuration.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string
	SlowQuery time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability
	return Config{
		ServiceName:          nonEmpty(cfg.AppName, "coursepay"),
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             nonEmpty(obs.LogLevel, "info"),
		LogFormat:            nonEmpty(obs.LogFormat, "json"),
		SlowQuery:            obs.SlowQuery,
		OtelEnabled:          obs.OtelEnabled,
		OtelExporterEndpoint: obs.OtelEndpoint,
		OtelExporterProtocol: nonEmpty(obs.OtelProtocol, "grpc"),
		OtelSamplingRatio:    clampRatio(obs.OtelSamplingRate),
	}
}

// Debug is true for debug log level and for non-production environments,
// where stack traces and request stacks are worth the noise.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func nonEmpty(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
