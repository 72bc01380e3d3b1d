package auth_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/config"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/services/auth"
)

// tokenServer is a minimal OAuth token endpoint.
type tokenServer struct {
	*httptest.Server
	requests atomic.Int32
	lastForm url.Values
	mu       sync.Mutex
	gate     chan struct{}
	reject   bool
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.requests.Add(1)
		_ = r.ParseForm()

		ts.mu.Lock()
		ts.lastForm = r.PostForm
		gate, reject := ts.gate, ts.reject
		ts.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if reject {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  fmt.Sprintf("access-%d", n),
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) form() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastForm
}

func oauthConfig(ts *tokenServer) config.OAuthConfig {
	return config.OAuthConfig{
		ClientID:    "habitsync-cli",
		AuthURL:     "https://accounts.example.com/auth",
		TokenURL:    ts.URL + "/token",
		RedirectURL: "http://127.0.0.1:8085/callback",
		Scopes:      []string{"drive.appdata"},
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ts := newTokenServer(t)
	tokenFile := filepath.Join(t.TempDir(), "token.json")
	service := auth.NewService(oauthConfig(ts), tokenFile, events.Discard())

	challenge, err := service.BeginAuthentication()
	require.NoError(t, err)

	u, err := url.Parse(challenge.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, challenge.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "habitsync-cli", q.Get("client_id"))

	t.Run("state mismatch", func(t *testing.T) {
		_, err := service.CompleteAuthentication(context.Background(), challenge, auth.ExternalResult{Code: "abc", State: "forged"})
		assert.ErrorIs(t, err, models.ErrAuthentication)
	})

	t.Run("provider error", func(t *testing.T) {
		_, err := service.CompleteAuthentication(context.Background(), challenge, auth.ExternalResult{State: challenge.State, Error: "access_denied"})
		assert.ErrorIs(t, err, models.ErrAuthentication)
	})

	t.Run("success", func(t *testing.T) {
		token, err := service.CompleteAuthentication(context.Background(), challenge, auth.ExternalResult{Code: "abc", State: challenge.State})
		require.NoError(t, err)
		assert.Equal(t, "access-1", token.AccessToken)
		assert.Equal(t, "refresh-1", token.RefreshToken)
		assert.False(t, token.IsExpired())

		form := ts.form()
		assert.Equal(t, "abc", form.Get("code"))
		assert.Equal(t, challenge.Verifier, form.Get("code_verifier"))
	})

	t.Run("token persistence", func(t *testing.T) {
		info, err := os.Stat(tokenFile)
		require.NoError(t, err)
		if runtime.GOOS != "windows" {
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		}

		reloaded := auth.NewService(oauthConfig(ts), tokenFile, events.Discard())
		tok, err := reloaded.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok)
	})

	t.Run("logout", func(t *testing.T) {
		require.NoError(t, service.Logout())
		assert.NoFileExists(t, tokenFile)

		_, err := service.GetToken()
		assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	})
}

func TestBeginRequiresConfiguredClient(t *testing.T) {
	service := auth.NewService(config.OAuthConfig{}, "", events.Discard())
	_, err := service.BeginAuthentication()
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func writeToken(t *testing.T, path string, token models.TokenInfo) {
	t.Helper()
	data, err := json.Marshal(token)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	ts := newTokenServer(t)
	gate := make(chan struct{})
	ts.mu.Lock()
	ts.gate = gate
	ts.mu.Unlock()

	tokenFile := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, tokenFile, models.TokenInfo{
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	service := auth.NewService(oauthConfig(ts), tokenFile, events.Discard())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = service.Refresh(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return ts.requests.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), ts.requests.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", results[i])
	}
	assert.Equal(t, "refresh-0", ts.form().Get("refresh_token"))
}

func TestExpiredTokenRefreshesOnUse(t *testing.T) {
	ts := newTokenServer(t)
	tokenFile := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, tokenFile, models.TokenInfo{
		AccessToken:  "old",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	service := auth.NewService(oauthConfig(ts), tokenFile, events.Discard())

	tok, err := service.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	stored, err := service.GetToken()
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
}

func TestRejectedRefresh(t *testing.T) {
	ts := newTokenServer(t)
	ts.mu.Lock()
	ts.reject = true
	ts.mu.Unlock()
	tokenFile := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, tokenFile, models.TokenInfo{AccessToken: "old", RefreshToken: "revoked"})
	service := auth.NewService(oauthConfig(ts), tokenFile, events.Discard())

	_, err := service.Refresh(context.Background())
	assert.ErrorIs(t, err, models.ErrAuthentication)
}

func TestStaticToken(t *testing.T) {
	tok, err := auth.StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = auth.StaticToken("abc").Refresh(context.Background())
	assert.ErrorIs(t, err, models.ErrAuthentication)

	_, err = auth.StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}
