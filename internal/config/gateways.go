package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// GatewaySetting is one gateway entry of the settings file.
type GatewaySetting struct {
	Enabled            bool              `mapstructure:"enabled"`
	TestMode           bool              `mapstructure:"testMode"`
	SecretKey          string            `mapstructure:"secretKey"`
	PublishableKey     string            `mapstructure:"publishableKey"`
	WebhookSecret      string            `mapstructure:"webhookSecret"`
	SettlementCurrency string            `mapstructure:"settlementCurrency"`
	Options            map[string]string `mapstructure:"options"`
}

type GatewaySettings map[string]GatewaySetting

// GatewaySettingsHolder keeps the latest valid gateway settings and notifies
// subscribers when the file changes on disk.
type GatewaySettingsHolder struct {
	current atomic.Value // holds GatewaySettings

	mu        sync.Mutex
	listeners []func(GatewaySettings)
}

func NewGatewaySettingsHolder(cfg Config) (*GatewaySettingsHolder, error) {
	v := viper.New()

	v.SetConfigName(strings.TrimSpace(cfg.Payments.GatewaySettingsFile))
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/coursepay")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COURSEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &GatewaySettingsHolder{}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		holder.current.Store(GatewaySettings{})
		return holder, nil
	}

	settings, err := decodeGatewaySettings(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(settings)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeGatewaySettings(v)
		if err != nil {
			log.Printf("[gateway-settings] invalid config ignored: %v", err)
			return
		}
		holder.Replace(updated)
		log.Printf("[gateway-settings] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticGatewaySettingsHolder builds a holder without a backing file.
func NewStaticGatewaySettingsHolder(settings GatewaySettings) *GatewaySettingsHolder {
	holder := &GatewaySettingsHolder{}
	holder.current.Store(normalizeGatewaySettings(settings))
	return holder
}

func (h *GatewaySettingsHolder) Get() GatewaySettings {
	if h == nil {
		return GatewaySettings{}
	}
	settings, _ := h.current.Load().(GatewaySettings)
	return settings
}

// Lookup returns the setting for a gateway id.
func (h *GatewaySettingsHolder) Lookup(gatewayID string) (GatewaySetting, bool) {
	setting, ok := h.Get()[strings.ToLower(strings.TrimSpace(gatewayID))]
	return setting, ok
}

// Replace swaps the current settings and notifies subscribers.
func (h *GatewaySettingsHolder) Replace(settings GatewaySettings) {
	settings = normalizeGatewaySettings(settings)
	h.current.Store(settings)

	h.mu.Lock()
	listeners := append([]func(GatewaySettings){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(settings)
	}
}

// OnChange registers fn to run after every successful reload.
func (h *GatewaySettingsHolder) OnChange(fn func(GatewaySettings)) {
	if h == nil || fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func decodeGatewaySettings(v *viper.Viper) (GatewaySettings, error) {
	var settings GatewaySettings
	if err := v.UnmarshalKey("gateways", &settings); err != nil {
		return nil, err
	}
	if err := validateGatewaySettings(settings); err != nil {
		return nil, err
	}
	return normalizeGatewaySettings(settings), nil
}

func normalizeGatewaySettings(settings GatewaySettings) GatewaySettings {
	out := make(GatewaySettings, len(settings))
	for id, setting := range settings {
		setting.SettlementCurrency = strings.ToUpper(strings.TrimSpace(setting.SettlementCurrency))
		out[strings.ToLower(strings.TrimSpace(id))] = setting
	}
	return out
}

func validateGatewaySettings(settings GatewaySettings) error {
	for id, setting := range settings {
		if strings.TrimSpace(id) == "" {
			return errors.New("gateways: empty gateway id")
		}
		currency := strings.TrimSpace(setting.SettlementCurrency)
		if currency != "" && len(currency) != 3 {
			return fmt.Errorf("gateways.%s.settlementCurrency must be an ISO 4217 code", id)
		}
	}
	return nil
}
