package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	awsx "github.com/smallbiznis/coursepay/pkg/aws"
)

// EnvResolver reads named secrets from the process environment.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

func (r *EnvResolver) Resolve(ctx context.Context, name string) (string, error) {
	value, ok := r.lookup(strings.TrimSpace(name))
	if !ok || strings.TrimSpace(value) == "" {
		return "", credentialdomain.ErrSecretNotFound
	}
	return value, nil
}

// AWSSecretsResolver reads named secrets from AWS Secrets Manager.
type AWSSecretsResolver struct {
	client *awsx.SecretsClient
}

func NewAWSSecretsResolver(client *awsx.SecretsClient) *AWSSecretsResolver {
	return &AWSSecretsResolver{client: client}
}

func (r *AWSSecretsResolver) Resolve(ctx context.Context, name string) (string, error) {
	if r == nil || r.client == nil {
		return "", credentialdomain.ErrSecretNotFound
	}
	value, err := r.client.GetSecret(ctx, name)
	if err != nil {
		if errors.Is(err, awsx.ErrSecretNotFound) {
			return "", credentialdomain.ErrSecretNotFound
		}
		return "", err
	}
	return value, nil
}

// chainResolver asks each resolver in turn until one knows the secret.
type chainResolver []credentialdomain.SecretResolver

func (c chainResolver) Resolve(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, resolver := range c {
		if resolver == nil {
			continue
		}
		value, err := resolver.Resolve(ctx, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, credentialdomain.ErrSecretNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("resolve secret %s: %w", name, lastErr)
	}
	return "", credentialdomain.ErrSecretNotFound
}

// NewChainResolver combines resolvers, consulted in order.
func NewChainResolver(resolvers ...credentialdomain.SecretResolver) credentialdomain.SecretResolver {
	return chainResolver(resolvers)
}
