package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

func TestClientCredentialsFlow(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	client, secret, err := env.auth.CreateClient(ctx, "dashboard", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.ScopeRead}, client.Scopes)
	assert.NotEqual(t, secret, client.Secret)

	token, err := env.auth.AuthenticateClient(ctx, client.ID, secret)
	require.NoError(t, err)

	claims, err := env.auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, client.ID, claims.Subject)
	assert.True(t, claims.HasScope(domain.ScopeRead))
	assert.False(t, claims.HasScope(domain.ScopeControl))

	_, err = env.auth.AuthenticateClient(ctx, client.ID, "wrong")
	require.Error(t, err)

	_, err = env.auth.ValidateToken(token + "x")
	require.Error(t, err)

	other := NewAuthService(env.repos.Clients, "different-secret", "HS256")
	_, err = other.ValidateToken(token)
	require.Error(t, err)
}

func TestCreateClientScopes(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	client, _, err := env.auth.CreateClient(ctx, "ops", []string{"all"})
	require.NoError(t, err)
	claims := &TokenClaims{Scopes: client.Scopes}
	assert.True(t, claims.HasScope(domain.ScopeControl))

	_, _, err = env.auth.CreateClient(ctx, "bad", []string{"admin"})
	require.Error(t, err)

	_, _, err = env.auth.CreateClient(ctx, "", nil)
	require.Error(t, err)

	clients, err := env.auth.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 1)

	require.NoError(t, env.auth.DeleteClient(ctx, client.ID))
	assert.ErrorIs(t, env.auth.DeleteClient(ctx, client.ID), domain.ErrClientNotFound)
}
