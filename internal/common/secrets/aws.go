package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client in use
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// AWSProvider reads CI/CD secrets from AWS Secrets Manager under a name prefix
type AWSProvider struct {
	client SecretsManagerAPI
	prefix string
}

// NewAWSProvider loads the default AWS config (with optional static
// credentials and endpoint override) and creates the provider
func NewAWSProvider(ctx context.Context, cfg *Config) (*AWSProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	if cfg.AWSAccessKey != "" && cfg.AWSSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		}
	})
	return NewAWSProviderFromClient(client, cfg.AWSPrefix), nil
}

// NewAWSProviderFromClient wraps an existing client
func NewAWSProviderFromClient(client SecretsManagerAPI, prefix string) *AWSProvider {
	if prefix == "" {
		prefix = "/hsemu/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &AWSProvider{client: client, prefix: prefix}
}

func (p *AWSProvider) secretID(key string) string {
	return p.prefix + key
}

// Get returns the secret string, or the binary payload as a string
func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretID(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: aws-sm get %s: %v", ErrProviderError, key, err)
	}

	switch {
	case out.SecretString != nil && *out.SecretString != "":
		return *out.SecretString, nil
	case len(out.SecretBinary) > 0:
		return string(out.SecretBinary), nil
	default:
		return "", ErrSecretNotFound
	}
}

// Put updates the secret, creating it on first write
func (p *AWSProvider) Put(ctx context.Context, key, value string) error {
	id := p.secretID(key)
	_, err := p.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(id),
		SecretString: aws.String(value),
	})
	if err == nil {
		return nil
	}
	if !isAWSNotFound(err) {
		return fmt.Errorf("%w: aws-sm put %s: %v", ErrProviderError, key, err)
	}

	if _, err := p.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(id),
		SecretString: aws.String(value),
		Description:  aws.String("hsemu CI/CD secret"),
	}); err != nil {
		return fmt.Errorf("%w: aws-sm create %s: %v", ErrProviderError, key, err)
	}
	return nil
}

// Remove deletes the secret without a recovery window
func (p *AWSProvider) Remove(ctx context.Context, key string) error {
	_, err := p.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(p.secretID(key)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("%w: aws-sm delete %s: %v", ErrProviderError, key, err)
	}
	return nil
}

// Name returns the provider name
func (p *AWSProvider) Name() string {
	return string(ProviderTypeAWSSM)
}

func isAWSNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}
