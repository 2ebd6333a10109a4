package receipt

import (
	"context"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	awsx "github.com/smallbiznis/coursepay/pkg/aws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("receipt",
	fx.Provide(newAWSClients),
	fx.Provide(NewService),
	fx.Provide(func(s *Service) ledgerdomain.ReceiptSender { return s }),
)

type awsClients struct {
	fx.Out

	Store     awsx.ObjectStore
	Publisher awsx.SNSPublisher
}

// newAWSClients leaves both clients nil when neither a bucket nor a topic is
// configured, so local runs never touch the AWS credential chain.
func newAWSClients(cfg config.Config, log *zap.Logger) (awsClients, error) {
	if cfg.Receipts.S3Bucket == "" && cfg.Receipts.SNSTopicARN == "" {
		return awsClients{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	awsCfg, err := awsx.LoadAWSConfig(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
	if err != nil {
		return awsClients{}, err
	}

	var out awsClients
	if cfg.Receipts.S3Bucket != "" {
		out.Store = awsx.NewS3Client(awsCfg)
	}
	if cfg.Receipts.SNSTopicARN != "" {
		out.Publisher = awsx.NewSNSClient(awsCfg)
	}
	log.Info("receipt archive configured",
		zap.String("bucket", cfg.Receipts.S3Bucket),
		zap.String("topic", cfg.Receipts.SNSTopicARN),
	)
	return out, nil
}
