package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokens(t *testing.T) *TokenService {
	t.Helper()
	tokens, err := NewTokenService(DefaultOptions([]byte("test-secret")))
	require.NoError(t, err)
	return tokens
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := newTestTokens(t)

	token, err := tokens.Generate("u1")
	require.NoError(t, err)

	userID, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestTokenRejectsForeignSecret(t *testing.T) {
	tokens := newTestTokens(t)
	other, err := NewTokenService(DefaultOptions([]byte("other-secret")))
	require.NoError(t, err)

	token, err := other.Generate("u1")
	require.NoError(t, err)

	_, err = tokens.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsExpired(t *testing.T) {
	tokens, err := NewTokenService(Options{Secret: []byte("s"), TTL: time.Minute})
	require.NoError(t, err)

	issued := time.Now().Add(-2 * time.Minute)
	tokens.now = func() time.Time { return issued }
	token, err := tokens.Generate("u1")
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsGarbage(t *testing.T) {
	_, err := newTestTokens(t).Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokenServiceValidation(t *testing.T) {
	_, err := NewTokenService(Options{})
	assert.Error(t, err)

	_, err = NewTokenService(Options{Secret: []byte("s"), Alg: "RS256"})
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := newTestTokens(t)

	r := gin.New()
	r.GET("/me", Middleware(tokens), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})

	valid, err := tokens.Generate("u42")
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		value    string
		wantBody string
	}{
		{name: "token header", header: HeaderToken, value: valid, wantBody: "u42"},
		{name: "bearer header", header: "Authorization", value: "Bearer " + valid, wantBody: "u42"},
		{name: "missing", wantBody: `"success":false`},
		{name: "invalid", header: HeaderToken, value: "bogus", wantBody: `"success":false`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}
