package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/habitsync/internal/config"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

const (
	// challengeTTL bounds how long a started flow may wait for the user.
	challengeTTL = 10 * time.Minute

	// expirySkew refreshes tokens slightly before they lapse.
	expirySkew = 30 * time.Second
)

// AuthChallenge is the first phase of an authorization-code flow: the URL to
// open plus the secrets needed to complete it.
type AuthChallenge struct {
	URL       string
	State     string
	Verifier  string
	CreatedAt time.Time
}

// ExternalResult is what the redirect handler received from the provider.
type ExternalResult struct {
	Code  string
	State string
	Error string
}

// Service handles authentication for REST endpoints: the OAuth flow, token
// persistence and refresh.
type Service struct {
	oauth     *oauth2.Config
	tokenFile string
	logger    *events.Logger
	now       func() time.Time

	refreshGroup singleflight.Group

	mu    sync.RWMutex
	token *models.TokenInfo
}

// NewService creates an auth service. tokenFile may be empty to keep tokens
// in memory only.
func NewService(cfg config.OAuthConfig, tokenFile string, logger *events.Logger) *Service {
	var oc *oauth2.Config
	if cfg.Configured() {
		oc = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		}
	}

	return &Service{
		oauth:     oc,
		tokenFile: tokenFile,
		logger:    logger.WithField("service", "auth"),
		now:       time.Now,
	}
}

// BeginAuthentication starts an authorization-code flow with PKCE.
func (s *Service) BeginAuthentication() (*AuthChallenge, error) {
	if s.oauth == nil {
		return nil, fmt.Errorf("%w: oauth client not configured", models.ErrInvalidConfig)
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	challenge := &AuthChallenge{
		URL: s.oauth.AuthCodeURL(state,
			oauth2.AccessTypeOffline,
			oauth2.S256ChallengeOption(verifier)),
		State:     state,
		Verifier:  verifier,
		CreatedAt: s.now(),
	}

	s.logger.Debug("Authorization flow started")
	return challenge, nil
}

// CompleteAuthentication exchanges the code returned to the redirect URL
// and stores the resulting token.
func (s *Service) CompleteAuthentication(ctx context.Context, challenge *AuthChallenge, result ExternalResult) (*models.TokenInfo, error) {
	if s.oauth == nil {
		return nil, fmt.Errorf("%w: oauth client not configured", models.ErrInvalidConfig)
	}
	if challenge == nil {
		return nil, fmt.Errorf("%w: no authorization in progress", models.ErrAuthentication)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: provider returned %q", models.ErrAuthentication, result.Error)
	}
	if result.State != challenge.State {
		return nil, fmt.Errorf("%w: state mismatch", models.ErrAuthentication)
	}
	if s.now().Sub(challenge.CreatedAt) > challengeTTL {
		return nil, fmt.Errorf("%w: authorization expired", models.ErrAuthentication)
	}
	if result.Code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", models.ErrAuthentication)
	}

	tok, err := s.oauth.Exchange(ctx, result.Code, oauth2.VerifierOption(challenge.Verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %v", models.ErrAuthentication, err)
	}

	info := fromOAuth(tok, "")
	s.setToken(info)
	s.logger.Info("Login successful")
	return info, nil
}

// GetToken returns the stored token, loading it from disk on first use.
func (s *Service) GetToken() (*models.TokenInfo, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token != nil {
		return token, nil
	}

	loaded, err := s.loadToken()
	if err != nil {
		return nil, models.ErrNotAuthenticated
	}

	s.mu.Lock()
	if s.token == nil {
		s.token = loaded
	}
	token = s.token
	s.mu.Unlock()
	return token, nil
}

// Token returns a usable access token, refreshing it when it is about to
// expire.
func (s *Service) Token(ctx context.Context) (string, error) {
	token, err := s.GetToken()
	if err != nil {
		return "", err
	}

	if s.expiring(token) && token.RefreshToken != "" {
		return s.Refresh(ctx)
	}
	return token.AccessToken, nil
}

func (s *Service) expiring(t *models.TokenInfo) bool {
	return !t.ExpiresAt.IsZero() && s.now().Add(expirySkew).After(t.ExpiresAt)
}

// Refresh obtains a new access token. Concurrent callers share one refresh
// request.
func (s *Service) Refresh(ctx context.Context) (string, error) {
	v, err, shared := s.refreshGroup.Do("refresh", func() (interface{}, error) {
		current, err := s.GetToken()
		if err != nil {
			return "", err
		}
		if s.oauth == nil || current.RefreshToken == "" {
			return "", fmt.Errorf("%w: token cannot be refreshed", models.ErrAuthentication)
		}

		s.logger.Debug("Refreshing token")

		expired := &oauth2.Token{
			AccessToken:  current.AccessToken,
			RefreshToken: current.RefreshToken,
			TokenType:    current.TokenType,
			Expiry:       time.Unix(1, 0),
		}
		tok, err := s.oauth.TokenSource(ctx, expired).Token()
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) {
				return "", fmt.Errorf("%w: refresh rejected: %v", models.ErrAuthentication, err)
			}
			return "", fmt.Errorf("%w: refresh: %v", models.ErrNetworkUnavailable, err)
		}

		info := fromOAuth(tok, current.RefreshToken)
		info.Account = current.Account
		s.setToken(info)
		return info.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		s.logger.Debug("Joined in-flight token refresh")
	}
	return v.(string), nil
}

// Logout forgets the token and removes the token file.
func (s *Service) Logout() error {
	s.logger.Info("Logging out")

	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()

	if s.tokenFile != "" {
		if err := os.Remove(s.tokenFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove token file: %w", err)
		}
	}
	return nil
}

func (s *Service) setToken(info *models.TokenInfo) {
	s.mu.Lock()
	s.token = info
	s.mu.Unlock()

	if err := s.saveToken(info); err != nil {
		s.logger.WithError(err).Warn("Failed to save token")
	}
}

func fromOAuth(tok *oauth2.Token, previousRefresh string) *models.TokenInfo {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return &models.TokenInfo{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
}

// Token persistence

func (s *Service) saveToken(token *models.TokenInfo) error {
	if s.tokenFile == "" || token == nil {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	if err := atomic.WriteFile(s.tokenFile, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	// Save with restricted permissions
	return os.Chmod(s.tokenFile, 0o600)
}

func (s *Service) loadToken() (*models.TokenInfo, error) {
	if s.tokenFile == "" {
		return nil, fmt.Errorf("no token file configured")
	}

	data, err := os.ReadFile(s.tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var token models.TokenInfo
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token file has no access token")
	}
	return &token, nil
}
