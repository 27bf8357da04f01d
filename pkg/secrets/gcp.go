package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

type GCPSecretManager struct {
	access    func(ctx context.Context, name string) ([]byte, error)
	close     func() error
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless credentialsFile is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	access := func(ctx context.Context, name string) ([]byte, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: name,
		})
		if err != nil {
			return nil, err
		}
		return result.GetPayload().GetData(), nil
	}

	return &GCPSecretManager{
		access:    access,
		close:     client.Close,
		projectID: projectID,
		logger:    logger,
	}, nil
}

// VersionName resolves a short secret name to its latest version. Full resource names pass through.
func (g *GCPSecretManager) VersionName(secretName string) string {
	if strings.HasPrefix(secretName, "projects/") {
		if strings.Contains(secretName, "/versions/") {
			return secretName
		}
		return secretName + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	if secretName == "" {
		return "", fmt.Errorf("secret name is empty")
	}

	data, err := g.access(ctx, g.VersionName(secretName))
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

// SecretNames maps each signer credential to its secret.
type SecretNames struct {
	PrivateKey  string `mapstructure:"private_key"`
	Account     string `mapstructure:"account"`
	AgentWallet string `mapstructure:"agent_wallet"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		PrivateKey:  "pacifica-private-key",
		Account:     "pacifica-account",
		AgentWallet: "pacifica-agent-wallet",
	}
}
