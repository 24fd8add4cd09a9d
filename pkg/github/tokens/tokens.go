package tokens

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	gh "github.com/google/go-github/v41/github"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	"golang.org/x/oauth2"
)

const (
	appTokenValidity = time.Minute * 10
	// GitHub rejects tokens issued in the future; allow for clock drift.
	clockSkew = time.Second * 60
)

// Creates a new GitHub App JWT, signed with the specified key and
// encoded using the RS256 algorithm. This key can not be used against repositories.
//
// See https://docs.github.com/en/apps/creating-github-apps/authenticating-with-a-github-app/generating-a-json-web-token-jwt-for-a-github-app
func AppToken(key *rsa.PrivateKey, appID string, duration time.Duration) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(appID).
		IssuedAt(now.Add(-clockSkew)).
		Expiration(now.Add(duration)).
		Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		return "", err
	}

	return string(signed), nil
}

// Source exchanges installation ids for short-lived installation access tokens.
// Tokens are never cached; every call results in a new token.
type Source struct {
	appID      string
	key        *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
}

type Option func(*Source)

// WithBaseURL points the source at a GitHub Enterprise or test server API.
func WithBaseURL(baseURL string) Option {
	return func(s *Source) {
		s.baseURL = baseURL
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Source) {
		s.httpClient = client
	}
}

func New(appID string, key *rsa.PrivateKey, opts ...Option) *Source {
	s := &Source{
		appID: appID,
		key:   key,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstallationToken creates a token restricted to reading repository contents.
//
// See https://docs.github.com/en/rest/apps/apps#create-an-installation-access-token-for-an-app
func (s *Source) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	appToken, err := AppToken(s.key, s.appID, appTokenValidity)
	if err != nil {
		return "", fmt.Errorf("generate app token: %w", err)
	}

	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	tc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: appToken}))
	client := gh.NewClient(tc)

	if len(s.baseURL) > 0 {
		client.BaseURL, err = url.Parse(strings.TrimSuffix(s.baseURL, "/") + "/")
		if err != nil {
			return "", fmt.Errorf("parse GitHub base URL: %w", err)
		}
	}

	token, resp, err := client.Apps.CreateInstallationToken(ctx, installationID, &gh.InstallationTokenOptions{
		Permissions: &gh.InstallationPermissions{
			Contents: gh.String("read"),
		},
	})
	if resp != nil {
		metrics.GitHubRequest(resp.StatusCode)
	}
	if err != nil {
		return "", fmt.Errorf("create installation token: %w", err)
	}

	return token.GetToken(), nil
}

func RSAPrivateKeyFromPEMFile(filename string) (*rsa.PrivateKey, error) {
	keyBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read private key: %s", err)
	}
	return RSAPrivateKeyFromPEM(keyBytes)
}

func RSAPrivateKeyFromPEM(keyBytes []byte) (*rsa.PrivateKey, error) {
	parsed, err := jwk.ParseKey(keyBytes, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %s", err)
	}

	key := &rsa.PrivateKey{}
	if err := parsed.Raw(key); err != nil {
		return nil, fmt.Errorf("private key is not an RSA key: %s", err)
	}

	// Check that creation of a single token succeeds. If it doesn't, there is
	// a high chance that we can't sign any tokens at all.
	_, err = AppToken(key, "", time.Second)
	if err != nil {
		return nil, fmt.Errorf("token generation with private key: %s", err)
	}

	return key, nil
}
