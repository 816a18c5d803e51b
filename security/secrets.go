/*
Secrets retrieval through the Infisical secrets management service.

Deployments that keep connector credentials and signing keys out of the
environment can point the engine at an Infisical project; the fetched
secrets are merged into the configuration before anything connects.

Usage Example:

	provider := security.NewSecretsProvider(security.SecretsConfig{
	    Host:         "app.infisical.com",
	    ClientID:     "client-id",
	    ClientSecret: "client-secret",
	    ProjectID:    "project-id",
	    Environment:  "prod",
	})
	secrets, err := provider.Fetch(ctx)
*/
package security

import (
	"context"
	"fmt"

	infisical "github.com/infisical/go-sdk"
)

// SecretsConfig locates an Infisical project environment and the universal
// auth credentials used to read it.
type SecretsConfig struct {
	Host         string
	ClientID     string
	ClientSecret string
	ProjectID    string
	Environment  string
}

// SecretsProvider fetches secrets from Infisical.
type SecretsProvider struct {
	cfg SecretsConfig
}

func NewSecretsProvider(cfg SecretsConfig) *SecretsProvider {
	return &SecretsProvider{cfg: cfg}
}

// Fetch authenticates with universal auth and returns every secret of the
// configured project environment as a key/value map.
func (p *SecretsProvider) Fetch(ctx context.Context) (map[string]string, error) {
	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          "https://" + p.cfg.Host,
		AutoTokenRefresh: false,
	})

	if _, err := client.Auth().UniversalAuthLogin(p.cfg.ClientID, p.cfg.ClientSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate with infisical: %w", err)
	}

	secrets, err := client.Secrets().List(infisical.ListSecretsOptions{
		AttachToProcessEnv: false,
		Environment:        p.cfg.Environment,
		ProjectID:          p.cfg.ProjectID,
		SecretPath:         "/",
		IncludeImports:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	out := make(map[string]string, len(secrets))
	for _, secret := range secrets {
		out[secret.SecretKey] = secret.SecretValue
	}
	return out, nil
}
