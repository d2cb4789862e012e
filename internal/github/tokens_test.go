package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

type fakeMinter struct {
	mu    sync.Mutex
	mints int
	token Token
	err   error
	block chan struct{}
}

func (m *fakeMinter) Mint(ctx context.Context, installationID int64) (Token, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mints++
	return m.token, m.err
}

func (m *fakeMinter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mints
}

func TestTokenCache_ReusesFreshToken(t *testing.T) {
	minter := &fakeMinter{token: Token{Value: "tok1", ExpiresAt: time.Now().Add(time.Hour)}}
	cache := NewTokenCache(minter, 2*time.Minute)

	for n := 0; n < 3; n++ {
		tok, err := cache.Get(context.Background(), 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tok.Value != "tok1" {
			t.Fatalf("unexpected token: %q", tok.Value)
		}
	}
	if minter.count() != 1 {
		t.Fatalf("expected 1 mint, got %d", minter.count())
	}
}

func TestTokenCache_RefreshesWithinSkew(t *testing.T) {
	now := time.Now()
	minter := &fakeMinter{token: Token{Value: "tok1", ExpiresAt: now.Add(90 * time.Second)}}
	cache := NewTokenCache(minter, 2*time.Minute)
	cache.now = func() time.Time { return now }

	// 90s of validity is inside the 2m refresh skew, so every Get mints.
	cache.Get(context.Background(), 1)
	cache.Get(context.Background(), 1)
	if minter.count() != 2 {
		t.Fatalf("expected refresh inside skew, got %d mints", minter.count())
	}
}

func TestTokenCache_CoalescesConcurrentRefresh(t *testing.T) {
	minter := &fakeMinter{
		token: Token{Value: "tok1", ExpiresAt: time.Now().Add(time.Hour)},
		block: make(chan struct{}),
	}
	cache := NewTokenCache(minter, 2*time.Minute)

	var wg sync.WaitGroup
	results := make([]Token, 5)
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i], _ = cache.Get(context.Background(), 1)
		}()
	}

	// Give the goroutines time to pile onto the in-flight mint.
	time.Sleep(50 * time.Millisecond)
	close(minter.block)
	wg.Wait()

	if minter.count() != 1 {
		t.Fatalf("expected concurrent callers to share one mint, got %d", minter.count())
	}
	for i, tok := range results {
		if tok.Value != "tok1" {
			t.Fatalf("caller %d got %q", i, tok.Value)
		}
	}
}

func TestTokenCache_ErrorNotCached(t *testing.T) {
	minter := &fakeMinter{err: errors.New("boom")}
	cache := NewTokenCache(minter, 2*time.Minute)

	if _, err := cache.Get(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
	minter.err = nil
	minter.token = Token{Value: "tok2", ExpiresAt: time.Now().Add(time.Hour)}
	tok, err := cache.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Value != "tok2" {
		t.Fatalf("expected fresh mint after error, got %q", tok.Value)
	}
	if minter.count() != 2 {
		t.Fatalf("expected 2 mints, got %d", minter.count())
	}
}

func TestTokenCache_SeparateInstallations(t *testing.T) {
	minter := &fakeMinter{token: Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}}
	cache := NewTokenCache(minter, 2*time.Minute)

	cache.Get(context.Background(), 1)
	cache.Get(context.Background(), 2)
	if minter.count() != 2 {
		t.Fatalf("expected one mint per installation, got %d", minter.count())
	}
}

func TestTokenCache_Invalidate(t *testing.T) {
	minter := &fakeMinter{token: Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}}
	cache := NewTokenCache(minter, 2*time.Minute)

	cache.Get(context.Background(), 1)
	cache.Invalidate(1)
	cache.Get(context.Background(), 1)
	if minter.count() != 2 {
		t.Fatalf("expected re-mint after invalidate, got %d", minter.count())
	}
}

func TestAppClaimsSigner_ClaimWindow(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer := &appClaimsSigner{appID: 12345, method: jwt.SigningMethodRS256, key: key}

	before := time.Now()
	signed, err := signer.Sign(&jwt.RegisteredClaims{Issuer: "something-else"})
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)

	if claims.Issuer != "12345" {
		t.Errorf("expected issuer 12345, got %q", claims.Issuer)
	}
	exp := claims.ExpiresAt.Time.Sub(before)
	if exp < 8*time.Minute+50*time.Second || exp > 9*time.Minute+10*time.Second {
		t.Errorf("expected expiry ~9m out, got %v", exp)
	}
	iat := before.Sub(claims.IssuedAt.Time)
	if iat < 50*time.Second || iat > 70*time.Second {
		t.Errorf("expected issued-at ~1m back, got %v", iat)
	}
}
