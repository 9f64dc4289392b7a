package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transport-ledger/khata/ledger"
)

func TestGenerateValidate_RoundTrip(t *testing.T) {
	m, err := NewJWTManager("secret", time.Hour)
	require.NoError(t, err)

	token, err := m.Generate("acme")
	require.NoError(t, err)
	claims, err := m.Validate(token)

	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "acme", claims.Subject)
}

func TestNewJWTManager_RequiresSecret(t *testing.T) {
	_, err := NewJWTManager("", time.Hour)

	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestGenerate_RequiresTenant(t *testing.T) {
	m, err := NewJWTManager("secret", time.Hour)
	require.NoError(t, err)

	_, err = m.Generate("")

	assert.ErrorIs(t, err, ledger.ErrTenantRequired)
}

func TestValidate_Rejects(t *testing.T) {
	m, err := NewJWTManager("secret", time.Hour)
	require.NoError(t, err)
	token, err := m.Generate("acme")
	require.NoError(t, err)

	t.Run("other secret", func(t *testing.T) {
		other, err := NewJWTManager("different", time.Hour)
		require.NoError(t, err)
		_, err = other.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later, err := NewJWTManager("secret", time.Hour)
		require.NoError(t, err)
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err = later.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.Validate("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		err    error
	}{
		{"", "", ErrMissingToken},
		{"Bearer abc", "abc", nil},
		{"bearer abc", "abc", nil},
		{"Basic abc", "", ErrInvalidToken},
		{"Bearer ", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := BearerToken(r)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, tt.header)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestTenantContext(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")

	assert.Equal(t, ledger.TenantID("acme"), TenantFrom(ctx))
	assert.Empty(t, TenantFrom(context.Background()))
}
