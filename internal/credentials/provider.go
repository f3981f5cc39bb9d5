package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"

	"github.com/vipul43/repopulse/internal/github"
	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncerr"
)

const (
	DefaultTokenURL = "https://github.com/login/oauth/access_token"

	// Tokens this close to expiry are refreshed before use.
	expiryLeeway = 5 * time.Minute
)

// IntegrationStore is the subset of the integration repository the provider needs.
type IntegrationStore interface {
	GetByTenantID(ctx context.Context, tenantID string) (*models.Integration, error)
	UpdateTokens(ctx context.Context, id string, accessToken string, refreshToken *string, expiresAt *time.Time) error
}

// Provider hands out a usable access credential per tenant integration,
// refreshing expiring tokens when an OAuth client is configured.
type Provider struct {
	store IntegrationStore
	oauth *oauth2.Config
	now   func() time.Time
}

// NewProvider creates a provider. Refresh is disabled when clientID or
// clientSecret is empty.
func NewProvider(store IntegrationStore, clientID, clientSecret, tokenURL string) *Provider {
	p := &Provider{store: store, now: time.Now}
	if clientID != "" && clientSecret != "" {
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}
		p.oauth = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
	}
	return p
}

// Token returns the credential for tenantID's integration.
func (p *Provider) Token(ctx context.Context, tenantID string) (github.Credential, error) {
	integration, err := p.store.GetByTenantID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return github.Credential{}, syncerr.New(syncerr.CodeMalformedCredential, "load credential", fmt.Errorf("tenant %s has no integration", tenantID))
		}
		return github.Credential{}, fmt.Errorf("failed to load integration: %w", err)
	}

	if integration.AccessToken == nil || *integration.AccessToken == "" {
		return github.Credential{}, syncerr.New(syncerr.CodeMalformedCredential, "load credential", fmt.Errorf("integration %s has no access token", integration.ID))
	}

	accessToken := *integration.AccessToken
	if p.isTokenExpired(integration.AccessTokenExpiresAt) {
		log.Printf("Access token expired for integration %s, refreshing...", integration.ID)
		accessToken, err = p.refreshToken(ctx, integration)
		if err != nil {
			return github.Credential{}, err
		}
	}

	return github.Credential{Key: integration.ID, Token: accessToken}, nil
}

// isTokenExpired treats a missing expiry as a non-expiring token.
func (p *Provider) isTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return p.now().Add(expiryLeeway).After(*expiresAt)
}

func (p *Provider) refreshToken(ctx context.Context, integration *models.Integration) (string, error) {
	if p.oauth == nil {
		return "", syncerr.New(syncerr.CodeAuth, "refresh credential", errors.New("token expired and refresh is not configured"))
	}
	if integration.RefreshToken == nil || *integration.RefreshToken == "" {
		return "", syncerr.New(syncerr.CodeAuth, "refresh credential", errors.New("token expired and no refresh token available"))
	}

	newToken, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: *integration.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return "", syncerr.New(syncerr.CodeAuth, "refresh credential", err)
		}
		return "", syncerr.New(syncerr.CodeUpstreamUnavailable, "refresh credential", err)
	}

	// Keep the old refresh token unless a new one was issued.
	refresh := integration.RefreshToken
	if newToken.RefreshToken != "" {
		refresh = &newToken.RefreshToken
	}
	var expiresAt *time.Time
	if !newToken.Expiry.IsZero() {
		exp := newToken.Expiry.UTC()
		expiresAt = &exp
	}

	if err := p.store.UpdateTokens(ctx, integration.ID, newToken.AccessToken, refresh, expiresAt); err != nil {
		return "", fmt.Errorf("failed to update tokens in database: %w", err)
	}

	if expiresAt != nil {
		log.Printf("Token refreshed for integration %s, expires at: %s", integration.ID, expiresAt.Format(time.RFC3339))
	}
	return newToken.AccessToken, nil
}
