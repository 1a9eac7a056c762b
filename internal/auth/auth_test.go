package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	req := require.New(t)

	hash, err := HashPassword("correct horse battery staple")
	req.NoError(err)
	req.NotEqual("correct horse battery staple", hash)

	req.True(VerifyPassword(hash, "correct horse battery staple"))
	req.False(VerifyPassword(hash, "wrong password"))
	req.False(VerifyPassword("not-a-hash", "anything"))
}

func TestTokenIssueAndValidate(t *testing.T) {
	req := require.New(t)
	issuer := NewTokenIssuer("test-secret", time.Hour)

	token, err := issuer.Issue("alice")
	req.NoError(err)

	username, err := issuer.Validate(token)
	req.NoError(err)
	req.Equal("alice", username)
}

func TestTokenValidate_RejectsBadInput(t *testing.T) {
	req := require.New(t)
	issuer := NewTokenIssuer("test-secret", time.Hour)

	_, err := issuer.Validate("")
	req.ErrorIs(err, ErrInvalidToken)

	_, err = issuer.Validate("not.a.token")
	req.ErrorIs(err, ErrInvalidToken)
}

func TestTokenValidate_RejectsWrongSecret(t *testing.T) {
	req := require.New(t)

	token, err := NewTokenIssuer("secret-a", time.Hour).Issue("alice")
	req.NoError(err)

	_, err = NewTokenIssuer("secret-b", time.Hour).Validate(token)
	req.ErrorIs(err, ErrInvalidToken)
}

func TestTokenValidate_RejectsExpired(t *testing.T) {
	req := require.New(t)
	issuer := NewTokenIssuer("test-secret", -time.Minute)

	token, err := issuer.Issue("alice")
	req.NoError(err)

	_, err = issuer.Validate(token)
	req.ErrorIs(err, ErrInvalidToken)
}
