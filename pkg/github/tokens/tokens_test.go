package tokens_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/nais/pipelined/pkg/github/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	appID    = "12345"
	duration = time.Second * 1337
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// Test generation of a signed JSON Web Token
func TestAppToken(t *testing.T) {
	key := generateKey(t)

	signed, err := tokens.AppToken(key, appID, duration)
	require.NoError(t, err)

	token, err := jwt.Parse([]byte(signed), jwt.WithKey(jwa.RS256, &key.PublicKey))
	require.NoError(t, err)

	assert.Equal(t, appID, token.Issuer())
	assert.True(t, token.IssuedAt().Before(time.Now()))
	assert.WithinDuration(t, time.Now().Add(duration), token.Expiration(), time.Second*5)
}

func TestInstallationToken(t *testing.T) {
	key := generateKey(t)

	t.Run("token is exchanged with read-only contents permission", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/app/installations/42/access_tokens", r.URL.Path)
			assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))

			body := map[string]interface{}{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]interface{}{"contents": "read"}, body["permissions"])

			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"token":"ghs_installationtoken","expires_at":"2030-01-01T00:00:00Z"}`))
		}))
		defer server.Close()

		source := tokens.New(appID, key, tokens.WithBaseURL(server.URL))
		token, err := source.InstallationToken(context.Background(), 42)
		assert.NoError(t, err)
		assert.Equal(t, "ghs_installationtoken", token)
	})

	t.Run("provider error is returned", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
		}))
		defer server.Close()

		source := tokens.New(appID, key, tokens.WithBaseURL(server.URL))
		token, err := source.InstallationToken(context.Background(), 42)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "Not Found")
		assert.Empty(t, token)
	})
}

func TestRSAPrivateKeyFromPEMFile(t *testing.T) {
	key := generateKey(t)

	filename := filepath.Join(t.TempDir(), "key.pem")
	pemPrivateKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(filename, pemPrivateKey, 0o600))

	parsed, err := tokens.RSAPrivateKeyFromPEMFile(filename)
	assert.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = tokens.RSAPrivateKeyFromPEMFile(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)

	_, err = tokens.RSAPrivateKeyFromPEM([]byte("not a key"))
	assert.Error(t, err)
}
