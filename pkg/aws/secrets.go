package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

var ErrSecretNotFound = errors.New("aws secret not found")

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsClient struct {
	client SecretsAPI
	cache  map[string]string
	mu     sync.RWMutex
}

func NewSecretsClient(cfg sdkaws.Config) *SecretsClient {
	return NewSecretsClientWithAPI(secretsmanager.NewFromConfig(cfg))
}

func NewSecretsClientWithAPI(api SecretsAPI) *SecretsClient {
	return &SecretsClient{
		client: api,
		cache:  make(map[string]string),
	}
}

// GetSecret returns the secret string for name. A name of the form
// "secret-id#field" selects one field of a JSON secret.
func (s *SecretsClient) GetSecret(ctx context.Context, name string) (string, error) {
	secretID, field, _ := strings.Cut(strings.TrimSpace(name), "#")
	if secretID == "" {
		return "", ErrSecretNotFound
	}

	raw, err := s.secretString(ctx, secretID)
	if err != nil {
		return "", err
	}
	if field == "" {
		return raw, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", secretID, err)
	}
	value, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("secret %s field %s: %w", secretID, field, ErrSecretNotFound)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret %s field %s is not a string", secretID, field)
	}
	return str, nil
}

// Forget drops a cached secret so the next read hits Secrets Manager.
func (s *SecretsClient) Forget(name string) {
	secretID, _, _ := strings.Cut(strings.TrimSpace(name), "#")
	s.mu.Lock()
	delete(s.cache, secretID)
	s.mu.Unlock()
}

func (s *SecretsClient) secretString(ctx context.Context, secretID string) (string, error) {
	s.mu.RLock()
	if v, ok := s.cache[secretID]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: sdkaws.String(secretID)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("secret %s: %w", secretID, ErrSecretNotFound)
		}
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}

	s.mu.Lock()
	s.cache[secretID] = *out.SecretString
	s.mu.Unlock()

	return *out.SecretString, nil
}
