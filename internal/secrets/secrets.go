package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	DriverAWS = "aws"
	DriverEnv = "env"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

// Provider resolves a named secret such as the API token table or the
// Postgres DSN.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// New returns the provider for driver ("aws" or "env").
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverAWS:
		return NewAWS(ctx)
	case DriverEnv, "":
		return NewEnv(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads from AWS Secrets Manager. A key of the form "id#field"
// selects one string field of a JSON secret.
type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	id, field, err := splitKey(key)
	if err != nil {
		return "", err
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		raw = strings.TrimSpace(string(out.SecretBinary))
	}
	if raw == "" {
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a json object", ErrInvalidConfig, id)
	}
	var v string
	if msg, ok := doc[field]; !ok || json.Unmarshal(msg, &v) != nil || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: secret %q has no string field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(v), nil
}

func splitKey(key string) (id, field string, err error) {
	key = strings.TrimSpace(key)
	id, field, _ = strings.Cut(key, "#")
	id, field = strings.TrimSpace(id), strings.TrimSpace(field)
	if id == "" {
		return "", "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	return id, field, nil
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}
