package credential

import (
	"context"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/credential/repository"
	"github.com/smallbiznis/coursepay/internal/credential/service"
	awsx "github.com/smallbiznis/coursepay/pkg/aws"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("credential.store",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) (*service.Sealer, error) {
		return service.NewSealer(cfg.Payments.GatewaySettingsSecret)
	}),
	fx.Provide(newSettingsSource),
	fx.Provide(newSecretResolver),
	fx.Provide(service.NewStore),
	fx.Provide(func(s *service.Store) credentialdomain.Store { return s }),
	fx.Invoke(invalidateOnReload),
)

func newSettingsSource(db *gorm.DB, repo credentialdomain.Repository, sealer *service.Sealer, holder *config.GatewaySettingsHolder) credentialdomain.SettingsSource {
	return service.NewChainSource(
		service.NewDBSettingsSource(db, repo, sealer),
		service.NewFileSettingsSource(holder),
	)
}

func newSecretResolver(cfg config.Config, log *zap.Logger) (credentialdomain.SecretResolver, error) {
	resolvers := []credentialdomain.SecretResolver{service.NewEnvResolver()}
	if cfg.AWS.SecretsEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		awsCfg, err := awsx.LoadAWSConfig(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
		if err != nil {
			return nil, err
		}
		resolvers = append(resolvers, service.NewAWSSecretsResolver(awsx.NewSecretsClient(awsCfg)))
		log.Info("aws secrets manager resolver enabled", zap.String("region", cfg.AWS.Region))
	}
	return service.NewChainResolver(resolvers...), nil
}

func invalidateOnReload(holder *config.GatewaySettingsHolder, store credentialdomain.Store) {
	holder.OnChange(func(config.GatewaySettings) {
		store.InvalidateAll()
	})
}
