// Package secrets resolves opaque credential paths and holds per-run
// envelope-encryption key material.
package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMAPI is the subset of the SSM client used for parameter lookups.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, opts ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, opts ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// SecretsAPI is the subset of the Secrets Manager client used for secret
// lookups.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ParameterSource resolves config paths from SSM Parameter Store.
type ParameterSource struct {
	client SSMAPI
}

// NewParameterSource creates a ParameterSource.
func NewParameterSource(client SSMAPI) *ParameterSource {
	return &ParameterSource{client: client}
}

// Fetch returns the decrypted value of one parameter.
func (p *ParameterSource) Fetch(ctx context.Context, path string) ([]byte, error) {
	out, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching parameter %s: %w", path, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("parameter %s has no value", path)
	}
	return []byte(*out.Parameter.Value), nil
}

// SecretSource resolves secret paths from Secrets Manager.
type SecretSource struct {
	client SecretsAPI
}

// NewSecretSource creates a SecretSource.
func NewSecretSource(client SecretsAPI) *SecretSource {
	return &SecretSource{client: client}
}

// Fetch returns the value of one secret.
func (s *SecretSource) Fetch(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching secret %s: %w", path, err)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return out.SecretBinary, nil
}
