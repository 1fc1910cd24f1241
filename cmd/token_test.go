package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCmd(t *testing.T) {
	t.Run("should mint a token signed with the configured secret", func(t *testing.T) {
		t.Setenv("CAUSELIST_API_JWT_SECRET", "s3cret")
		var out bytes.Buffer
		root := newPristineRootCmd(t, &out, "token", "--subject", "clerk")

		require.NoError(t, root.ExecuteContext(context.Background()))

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), claims, func(*jwt.Token) (interface{}, error) {
			return []byte("s3cret"), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		require.NoError(t, err)
		assert.Equal(t, "clerk", claims.Subject)
		assert.Equal(t, "causelist", claims.Issuer)
		assert.NotNil(t, claims.ExpiresAt)
	})

	t.Run("should refuse without a secret", func(t *testing.T) {
		var out bytes.Buffer
		root := newPristineRootCmd(t, &out, "token")

		assert.Error(t, root.ExecuteContext(context.Background()))
	})
}
