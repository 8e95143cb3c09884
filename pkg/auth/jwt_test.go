package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "relay-test-secret"

func signToken(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("user-1").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("email", "u@example.com").
		Claim("role", "member")
	if mutate != nil {
		mutate(b)
	}
	token, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func TestValidateToken(t *testing.T) {
	v, err := NewHS256Validator(testSecret, "", "")
	require.NoError(t, err)

	claims, err := v.ValidateToken(context.Background(), signToken(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "u@example.com", claims.Email)
	assert.Equal(t, "member", claims.Role)
}

func TestValidateTokenExpired(t *testing.T) {
	v, err := NewHS256Validator(testSecret, "", "")
	require.NoError(t, err)

	expired := signToken(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Minute))
	})
	_, err = v.ValidateToken(context.Background(), expired)
	assert.Error(t, err)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	v, err := NewHS256Validator("a different secret", "", "")
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), signToken(t, nil))
	assert.Error(t, err)
}

func TestValidateTokenIssuerCheck(t *testing.T) {
	v, err := NewHS256Validator(testSecret, "relay", "")
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), signToken(t, nil))
	assert.Error(t, err, "missing issuer is rejected")

	good := signToken(t, func(b *jwt.Builder) { b.Issuer("relay") })
	claims, err := v.ValidateToken(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestNewHS256ValidatorEmptySecret(t *testing.T) {
	_, err := NewHS256Validator("", "", "")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := NewHS256Validator(testSecret, "", "")
	require.NoError(t, err)

	var gotUser string
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r)
		w.WriteHeader(http.StatusOK)
	}))

	// No header.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Malformed header.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Token abc")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid bearer token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, nil))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", gotUser)
}

func TestMiddlewareNilValidatorPassesThrough(t *testing.T) {
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, UserID(r))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
