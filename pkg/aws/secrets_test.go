package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type fakeSecretsAPI struct {
	values map[string]string
	calls  int
}

func (f *fakeSecretsAPI) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	value, ok := f.values[*params.SecretId]
	if !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &value}, nil
}

func TestSecretsClientCachesAndSelectsJSONField(t *testing.T) {
	api := &fakeSecretsAPI{values: map[string]string{
		"coursepay/stripe": `{"secret_key":"sk_live_1","webhook_secret":"whsec_1"}`,
	}}
	client := NewSecretsClientWithAPI(api)

	got, err := client.GetSecret(context.Background(), "coursepay/stripe#webhook_secret")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got != "whsec_1" {
		t.Fatalf("expected whsec_1, got %q", got)
	}
	if _, err := client.GetSecret(context.Background(), "coursepay/stripe#secret_key"); err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if api.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", api.calls)
	}
}

func TestSecretsClientMissingSecret(t *testing.T) {
	client := NewSecretsClientWithAPI(&fakeSecretsAPI{values: map[string]string{}})

	_, err := client.GetSecret(context.Background(), "missing")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}
