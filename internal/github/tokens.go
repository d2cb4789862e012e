package github

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"
)

// Token is a minted installation token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Minter exchanges an app JWT for an installation token. Tests supply an
// in-memory implementation.
type Minter interface {
	Mint(ctx context.Context, installationID int64) (Token, error)
}

// appClaimsSigner signs the app JWT with the claims GitHub expects from us:
// iss=appID, exp=+9m, iat=-1m. It overrides whatever window the transport
// proposed.
type appClaimsSigner struct {
	appID  int64
	method jwt.SigningMethod
	key    any
}

func (s *appClaimsSigner) Sign(claims jwt.Claims) (string, error) {
	now := time.Now()
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = fmt.Sprintf("%d", s.appID)
		rc.IssuedAt = jwt.NewNumericDate(now.Add(-1 * time.Minute))
		rc.ExpiresAt = jwt.NewNumericDate(now.Add(9 * time.Minute))
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// appMinter mints installation tokens through the GitHub Apps API using an
// app-authenticated transport.
type appMinter struct {
	client *gh.Client
}

// NewAppMinter loads the private key once and builds an apps-authenticated
// minter. baseURL is for tests; empty means api.github.com.
func NewAppMinter(appID int64, privateKeyPath, baseURL string) (Minter, error) {
	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", privateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, appID,
		ghinstallation.WithSigner(&appClaimsSigner{
			appID:  appID,
			method: jwt.SigningMethodRS256,
			key:    key,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	client := gh.NewClient(&http.Client{Transport: atr})
	if baseURL != "" {
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("setting enterprise URLs: %w", err)
		}
	}
	return &appMinter{client: client}, nil
}

func (m *appMinter) Mint(ctx context.Context, installationID int64) (Token, error) {
	tok, _, err := m.client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return Token{}, Classify(fmt.Errorf("minting installation token: %w", err))
	}
	return Token{Value: tok.GetToken(), ExpiresAt: tok.GetExpiresAt().Time}, nil
}

// TokenCache caches installation tokens per installation ID. A token is
// reused while more than the refresh skew of validity remains; concurrent
// callers coalesce on a single in-flight refresh.
type TokenCache struct {
	minter Minter
	skew   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	tokens  map[int64]Token
	pending map[int64]*mintCall
}

type mintCall struct {
	done  chan struct{}
	token Token
	err   error
}

// NewTokenCache builds a cache over the given minter.
func NewTokenCache(minter Minter, skew time.Duration) *TokenCache {
	return &TokenCache{
		minter:  minter,
		skew:    skew,
		now:     time.Now,
		tokens:  make(map[int64]Token),
		pending: make(map[int64]*mintCall),
	}
}

// Get returns a valid token for the installation, minting one if the cached
// token is missing or within the refresh skew of expiry.
func (c *TokenCache) Get(ctx context.Context, installationID int64) (Token, error) {
	c.mu.Lock()
	if tok, ok := c.tokens[installationID]; ok && tok.ExpiresAt.Sub(c.now()) > c.skew {
		c.mu.Unlock()
		return tok, nil
	}

	if call, ok := c.pending[installationID]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}

	call := &mintCall{done: make(chan struct{})}
	c.pending[installationID] = call
	c.mu.Unlock()

	call.token, call.err = c.minter.Mint(ctx, installationID)

	c.mu.Lock()
	delete(c.pending, installationID)
	if call.err == nil {
		c.tokens[installationID] = call.token
	}
	c.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

// Invalidate drops the cached token, forcing a mint on next Get.
func (c *TokenCache) Invalidate(installationID int64) {
	c.mu.Lock()
	delete(c.tokens, installationID)
	c.mu.Unlock()
}

// installationTransport injects cached installation tokens into requests.
type installationTransport struct {
	base           http.RoundTripper
	cache          *TokenCache
	installationID int64
}

func (t *installationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.cache.Get(req.Context(), t.installationID)
	if err != nil {
		return nil, fmt.Errorf("getting installation token: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "token "+tok.Value)
	return t.base.RoundTrip(clone)
}
