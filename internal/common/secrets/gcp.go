package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPProvider reads CI/CD secrets from GCP Secret Manager. Secret ids only
// allow [A-Za-z0-9_-], so "cicd/abc" is stored as "{prefix}cicd-abc".
type GCPProvider struct {
	client  *secretmanager.Client
	project string
	prefix  string
}

// NewGCPProvider creates a GCP Secret Manager provider using application
// default credentials
func NewGCPProvider(ctx context.Context, cfg *Config) (*GCPProvider, error) {
	if cfg.GCPProject == "" {
		return nil, fmt.Errorf("%w: GCP project is required", ErrProviderError)
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
	}

	prefix := cfg.GCPPrefix
	if prefix == "" {
		prefix = "hsemu-"
	}
	return &GCPProvider{client: client, project: cfg.GCPProject, prefix: prefix}, nil
}

var gcpIDReplacer = strings.NewReplacer("/", "-", ".", "_")

// SecretID returns the Secret Manager id used for key
func (p *GCPProvider) SecretID(key string) string {
	return p.prefix + gcpIDReplacer.Replace(key)
}

func (p *GCPProvider) resource(key string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", p.project, p.SecretID(key))
}

// Get returns the latest enabled version
func (p *GCPProvider) Get(ctx context.Context, key string) (string, error) {
	res, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: p.resource(key) + "/versions/latest",
	})
	if err != nil {
		if grpcCode(err) == codes.NotFound {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: gcp-sm get %s: %v", ErrProviderError, key, err)
	}
	if res.GetPayload() == nil || len(res.GetPayload().GetData()) == 0 {
		return "", ErrSecretNotFound
	}
	return string(res.GetPayload().GetData()), nil
}

// Put creates the secret when missing and adds a new version
func (p *GCPProvider) Put(ctx context.Context, key, value string) error {
	_, err := p.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + p.project,
		SecretId: p.SecretID(key),
		Secret: &secretmanagerpb.Secret{
			Labels: map[string]string{"app": "hsemu"},
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && grpcCode(err) != codes.AlreadyExists {
		return fmt.Errorf("%w: gcp-sm create %s: %v", ErrProviderError, key, err)
	}

	if _, err := p.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  p.resource(key),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}); err != nil {
		return fmt.Errorf("%w: gcp-sm add version %s: %v", ErrProviderError, key, err)
	}
	return nil
}

// Remove deletes the secret and all its versions
func (p *GCPProvider) Remove(ctx context.Context, key string) error {
	err := p.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: p.resource(key)})
	if err != nil {
		if grpcCode(err) == codes.NotFound {
			return ErrSecretNotFound
		}
		return fmt.Errorf("%w: gcp-sm delete %s: %v", ErrProviderError, key, err)
	}
	return nil
}

// Name returns the provider name
func (p *GCPProvider) Name() string {
	return string(ProviderTypeGCPSM)
}

// Close closes the underlying gRPC connection
func (p *GCPProvider) Close() error {
	return p.client.Close()
}

func grpcCode(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}
