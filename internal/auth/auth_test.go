package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials(TestAPIKey, TestAPISecret, TestUserID, PermissionTrade, PermissionEmergency)

	token, err := svc.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: TestAPISecret})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, TestUserID, claims.UserID)
	assert.ElementsMatch(t, []string{PermissionTrade, PermissionEmergency}, claims.Permissions)
}

func TestGenerateToken_InvalidCredentials(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials(TestAPIKey, TestAPISecret, TestUserID)

	_, err := svc.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.GenerateToken(Credentials{APIKey: "unknown", APISecret: TestAPISecret})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	issuer := NewService("secret-a")
	issuer.RegisterAPICredentials(TestAPIKey, TestAPISecret, TestUserID)
	token, err := issuer.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: TestAPISecret})
	require.NoError(t, err)

	_, err = NewService("secret-b").ValidateToken(token.Token)
	assert.Error(t, err)
}
