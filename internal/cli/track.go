package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vipul43/repopulse/internal/models"
)

// manifest describes a tenant's integration and the repositories it tracks.
// String values may reference environment variables as ${NAME}.
type manifest struct {
	Tenant      string `yaml:"tenant"`
	Integration struct {
		Provider      string `yaml:"provider"`
		AccessToken   string `yaml:"access_token"`
		RefreshToken  string `yaml:"refresh_token"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"integration"`
	Resources []manifestResource `yaml:"resources"`
}

type manifestResource struct {
	UpstreamID  string `yaml:"upstream_id"`
	Owner       string `yaml:"owner"`
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
}

var trackCmd = &cobra.Command{
	Use:   "track [manifest.yaml]",
	Short: "Connect a tenant integration and track the listed repositories",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrack,
}

func parseManifest(data []byte) (*manifest, error) {
	var m manifest
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m.Tenant = strings.TrimSpace(m.Tenant)
	if m.Tenant == "" {
		return nil, fmt.Errorf("manifest: tenant is required")
	}
	if m.Integration.Provider == "" {
		m.Integration.Provider = "github"
	}
	if m.Integration.WebhookSecret == "" {
		return nil, fmt.Errorf("manifest: integration.webhook_secret is required")
	}
	for i, r := range m.Resources {
		if r.UpstreamID == "" || r.Owner == "" || r.Name == "" {
			return nil, fmt.Errorf("manifest: resources[%d] needs upstream_id, owner and name", i)
		}
	}
	return &m, nil
}

func runTrack(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	m, err := parseManifest(data)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	integration := models.Integration{
		TenantID:      m.Tenant,
		Provider:      m.Integration.Provider,
		WebhookSecret: m.Integration.WebhookSecret,
	}
	if m.Integration.AccessToken != "" {
		integration.AccessToken = &m.Integration.AccessToken
	}
	if m.Integration.RefreshToken != "" {
		integration.RefreshToken = &m.Integration.RefreshToken
	}
	if err := a.integrations.Save(cmd.Context(), &integration); err != nil {
		return err
	}
	fmt.Printf("Integration %s saved for tenant %s\n", integration.ID, m.Tenant)

	for _, r := range m.Resources {
		res := models.TrackedResource{
			TenantID:      m.Tenant,
			IntegrationID: integration.ID,
			UpstreamID:    r.UpstreamID,
			Owner:         r.Owner,
			Name:          r.Name,
			DisplayName:   r.DisplayName,
		}
		if err := a.resources.Track(cmd.Context(), &res); err != nil {
			return err
		}
		fmt.Printf("  tracking %-30s (%s)\n", res.FullName(), res.ID)
	}
	return nil
}
