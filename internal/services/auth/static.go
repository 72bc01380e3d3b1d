package auth

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// StaticToken is a pre-issued access token that cannot be refreshed.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", models.ErrNotAuthenticated
	}
	return string(t), nil
}

// Refresh always fails; a rejected static token needs a new configuration.
func (t StaticToken) Refresh(ctx context.Context) (string, error) {
	return "", fmt.Errorf("%w: static token rejected", models.ErrAuthentication)
}
