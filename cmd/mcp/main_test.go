package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustmarket/internal/identity"
)

const testSecret = "mcp-test-secret-that-is-long-enough"

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestResolveToken_PrefersExplicitToken(t *testing.T) {
	token, err := resolveToken(env(map[string]string{
		"TRUSTMARKET_TOKEN":      "given",
		"TRUSTMARKET_JWT_SECRET": testSecret,
		"TRUSTMARKET_USER_ID":    "alice",
	}))
	require.NoError(t, err)
	assert.Equal(t, "given", token)
}

func TestResolveToken_MintsFromSecret(t *testing.T) {
	token, err := resolveToken(env(map[string]string{
		"TRUSTMARKET_JWT_SECRET": testSecret,
		"TRUSTMARKET_USER_ID":    "alice",
		"TRUSTMARKET_USER_NAME":  "Alice",
	}))
	require.NoError(t, err)

	claims, err := identity.NewVerifier(testSecret, "trustmarket").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Name)
}

func TestResolveToken_RequiresCredentials(t *testing.T) {
	_, err := resolveToken(env(map[string]string{"TRUSTMARKET_JWT_SECRET": testSecret}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRUSTMARKET_TOKEN is required")
}
