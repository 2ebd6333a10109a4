package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/cache"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const DefaultCacheTTL = 60 * time.Second

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Source   credentialdomain.SettingsSource
	Resolver credentialdomain.SecretResolver
	Cfg      config.Config
}

type Store struct {
	log      *zap.Logger
	clock    clock.Clock
	source   credentialdomain.SettingsSource
	resolver credentialdomain.SecretResolver
	ttl      time.Duration
	cache    cache.Cache[string, credentialdomain.Credentials]
}

func NewStore(p Params) *Store {
	ttl := p.Cfg.Payments.CredentialCacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:      log.Named("credential.store"),
		clock:    clk,
		source:   p.Source,
		resolver: p.Resolver,
		ttl:      ttl,
		cache:    cache.NewTTLCacheWithClock[string, credentialdomain.Credentials](clk),
	}
}

// Resolve returns usable credentials for gatewayID or ErrNotConfigured.
func (s *Store) Resolve(ctx context.Context, gatewayID string) (credentialdomain.Credentials, error) {
	id := normalizeGatewayID(gatewayID)
	if id == "" || s.source == nil {
		return credentialdomain.Credentials{}, credentialdomain.ErrNotConfigured
	}
	if creds, ok := s.cache.Get(id); ok {
		return creds, nil
	}

	cfg, found, err := s.source.Load(ctx, id)
	if err != nil {
		if errors.Is(err, credentialdomain.ErrEncryptionKeyMissing) || errors.Is(err, credentialdomain.ErrInvalidGatewaySetting) {
			s.log.Warn("gateway settings unreadable", zap.String("gateway", id), zap.Error(err))
			return credentialdomain.Credentials{}, credentialdomain.ErrNotConfigured
		}
		return credentialdomain.Credentials{}, fmt.Errorf("load gateway settings: %w", err)
	}
	if !found {
		s.log.Warn("gateway has no settings", zap.String("gateway", id))
		return credentialdomain.Credentials{}, credentialdomain.ErrNotConfigured
	}
	if !cfg.IsEnabled {
		s.log.Info("gateway disabled", zap.String("gateway", id))
		return credentialdomain.Credentials{}, credentialdomain.ErrNotConfigured
	}

	creds := credentialdomain.Credentials{
		GatewayID:          id,
		TestMode:           cfg.TestMode,
		SettlementCurrency: strings.ToUpper(strings.TrimSpace(cfg.SettlementCurrency)),
		Options:            cloneOptions(cfg.Options),
		ResolvedAt:         s.clock.Now(),
	}

	fields := []struct {
		name string
		ref  string
		dst  *string
	}{
		{"secret_key", cfg.SecretKeyRef, &creds.SecretKey},
		{"publishable_key", cfg.PublishableKeyRef, &creds.PublishableKey},
		{"webhook_secret", cfg.WebhookSecretRef, &creds.WebhookSecret},
	}
	for _, field := range fields {
		value, err := s.resolveValue(ctx, field.ref)
		if err != nil {
			if errors.Is(err, credentialdomain.ErrSecretNotFound) {
				s.log.Warn("gateway secret reference unresolved",
					zap.String("gateway", id),
					zap.String("field", field.name),
					zap.String("secret", strings.TrimPrefix(strings.TrimSpace(field.ref), credentialdomain.SecretPrefix)),
				)
				return credentialdomain.Credentials{}, credentialdomain.ErrNotConfigured
			}
			return credentialdomain.Credentials{}, err
		}
		*field.dst = value
	}

	if !creds.TestMode && creds.SecretKey == "" {
		s.log.Warn("gateway missing secret key", zap.String("gateway", id))
		return credentialdomain.Credentials{}, credentialdomain.ErrNotConfigured
	}

	s.cache.Set(id, creds, s.ttl)
	return creds, nil
}

// Invalidate drops the cached credentials of one gateway.
func (s *Store) Invalidate(gatewayID string) {
	s.cache.Delete(normalizeGatewayID(gatewayID))
	s.log.Info("gateway credentials invalidated", zap.String("gateway", normalizeGatewayID(gatewayID)))
}

func (s *Store) InvalidateAll() {
	s.cache.Purge()
	s.log.Info("all gateway credentials invalidated")
}

func (s *Store) resolveValue(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, credentialdomain.SecretPrefix) {
		return ref, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(ref, credentialdomain.SecretPrefix))
	if name == "" || s.resolver == nil {
		return "", credentialdomain.ErrSecretNotFound
	}
	value, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func cloneOptions(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}
