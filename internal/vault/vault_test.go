package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/domain"
	"formline/internal/lock"
	"formline/internal/migrate"
	"formline/internal/repo"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

type fakeRefresher struct {
	calls atomic.Int32
	delay time.Duration
	token *oauth2.Token
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func newTestVault(t *testing.T, refreshers map[domain.Provider]Refresher) (*Vault, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	v := New(r, sealer, refreshers, Options{Skew: time.Minute, Now: func() time.Time { return now }})
	return v, r
}

func TestSealerRoundTripAndTamper(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)
	sealed, err := s.Seal("ya29.secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "ya29")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ya29.secret", plain)

	tampered := sealed[:len(sealed)-2] + "AA"
	_, err = s.Open(tampered)
	assert.Error(t, err)

	var none *Sealer
	_, err = none.Open(sealed)
	assert.Error(t, err)
	passthrough, err := none.Seal("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", passthrough)
}

func TestNewSealerEmptyKey(t *testing.T) {
	s, err := NewSealer("")
	require.NoError(t, err)
	assert.Nil(t, s)
	_, err = NewSealer("short")
	assert.Error(t, err)
}

func TestStoreSealsTokensAtRest(t *testing.T) {
	v, r := newTestVault(t, nil)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{
		Identity: "Recruiter@Agency.example", Provider: domain.ProviderGmail,
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
	}))

	raw, err := r.GetCredential(ctx, "recruiter@agency.example", domain.ProviderGmail)
	require.NoError(t, err)
	assert.NotEqual(t, "access-1", raw.AccessToken)
	assert.NotEqual(t, "refresh-1", raw.RefreshToken)

	tok, err := v.GetValidToken(ctx, "recruiter@agency.example", domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	list, err := v.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].AccessToken)
}

func TestStoreValidation(t *testing.T) {
	v, _ := newTestVault(t, nil)
	err := v.Store(context.Background(), domain.OAuthCredential{Provider: "yahoo"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)
}

func TestGetValidTokenMissingCredential(t *testing.T) {
	v, _ := newTestVault(t, nil)
	_, err := v.GetValidToken(context.Background(), "nobody@example.com", domain.ProviderGmail)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, IsAuthFailure(err))
}

func TestGetValidTokenRefreshesWithinSkew(t *testing.T) {
	ref := &fakeRefresher{token: &oauth2.Token{AccessToken: "access-2", RefreshToken: "refresh-2", Expiry: time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)}}
	v, _ := newTestVault(t, map[domain.Provider]Refresher{domain.ProviderMicrosoft: ref})
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{
		Identity: "r@example.com", Provider: domain.ProviderMicrosoft,
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC),
	}))

	tok, err := v.GetValidToken(ctx, "r@example.com", domain.ProviderMicrosoft)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.EqualValues(t, 1, ref.calls.Load())

	// the refreshed token is persisted and reused
	tok, err = v.GetValidToken(ctx, "r@example.com", domain.ProviderMicrosoft)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.EqualValues(t, 1, ref.calls.Load())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	ref := &fakeRefresher{delay: 50 * time.Millisecond, token: &oauth2.Token{AccessToken: "access-2", Expiry: time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)}}
	v, _ := newTestVault(t, map[domain.Provider]Refresher{domain.ProviderGmail: ref})
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{
		Identity: "r@example.com", Provider: domain.ProviderGmail,
		AccessToken: "expired", RefreshToken: "refresh-1", Expiry: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := v.GetValidToken(ctx, "r@example.com", domain.ProviderGmail)
			assert.NoError(t, err)
			assert.Equal(t, "access-2", tok)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ref.calls.Load())
}

func TestRefreshFailure(t *testing.T) {
	ref := &fakeRefresher{err: errors.New("invalid_grant")}
	v, _ := newTestVault(t, map[domain.Provider]Refresher{domain.ProviderGmail: ref})
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{
		Identity: "r@example.com", Provider: domain.ProviderGmail,
		AccessToken: "expired", RefreshToken: "refresh-1", Expiry: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
	}))
	_, err := v.GetValidToken(ctx, "r@example.com", domain.ProviderGmail)
	assert.ErrorIs(t, err, domain.ErrTokenRefreshFailed)
	assert.True(t, IsAuthFailure(err))

	// no refresher configured for the provider
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{
		Identity: "r@example.com", Provider: domain.ProviderMicrosoft,
		AccessToken: "expired", RefreshToken: "refresh-1", Expiry: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
	}))
	_, err = v.GetValidToken(ctx, "r@example.com", domain.ProviderMicrosoft)
	assert.ErrorIs(t, err, domain.ErrTokenRefreshFailed)
}

func TestRevoke(t *testing.T) {
	v, _ := newTestVault(t, nil)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{Identity: "r@example.com", Provider: domain.ProviderGmail, AccessToken: "a"}))
	require.NoError(t, v.Revoke(ctx, "r@example.com", domain.ProviderGmail))
	assert.ErrorIs(t, v.Revoke(ctx, "r@example.com", domain.ProviderGmail), domain.ErrNotFound)
}

func TestOAuthRefresherAgainstTokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Providers.Gmail.ClientID = "client"
	cfg.Providers.Gmail.ClientSecret = "secret"
	cfg.Providers.Gmail.TokenURL = srv.URL
	refreshers := RefreshersFromConfig(cfg)
	require.Contains(t, refreshers, domain.ProviderGmail)
	assert.NotContains(t, refreshers, domain.ProviderMicrosoft)

	tok, err := refreshers[domain.ProviderGmail].Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.False(t, tok.Expiry.IsZero())
}

func TestRefreshWaitsForPeerHoldingLock(t *testing.T) {
	ref := &fakeRefresher{token: &oauth2.Token{AccessToken: "mine", Expiry: time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)}}
	v, _ := newTestVault(t, map[domain.Provider]Refresher{domain.ProviderGmail: ref})
	locker := lock.NewLocal()
	v.opts.Locker = locker
	v.opts.RefreshTimeout = 2 * time.Second
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{
		Identity: "r@example.com", Provider: domain.ProviderGmail,
		AccessToken: "expired", RefreshToken: "refresh-1", Expiry: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
	}))

	// another replica holds the refresh lease and stores its token shortly after
	release, ok, err := locker.Acquire(ctx, "refresh:gmail|r@example.com", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = v.put(ctx, domain.OAuthCredential{
			Identity: "r@example.com", Provider: domain.ProviderGmail,
			AccessToken: "peer", RefreshToken: "refresh-2", Expiry: time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
		})
		release()
	}()

	tok, err := v.GetValidToken(ctx, "r@example.com", domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "peer", tok)
	assert.Zero(t, ref.calls.Load())
}

func TestGetValidTokenRefreshesWhenExpiryUnknown(t *testing.T) {
	ref := &fakeRefresher{token: &oauth2.Token{AccessToken: "access-2", Expiry: time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)}}
	v, _ := newTestVault(t, map[domain.Provider]Refresher{domain.ProviderGmail: ref})
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{
		Identity: "r@example.com", Provider: domain.ProviderGmail,
		AccessToken: "stale", RefreshToken: "refresh-1",
	}))

	tok, err := v.GetValidToken(ctx, "r@example.com", domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.EqualValues(t, 1, ref.calls.Load())

	// the refreshed token carries an expiry and is reused
	tok, err = v.GetValidToken(ctx, "r@example.com", domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.EqualValues(t, 1, ref.calls.Load())
}

func TestGetValidTokenKeepsUnrefreshableTokenWithoutExpiry(t *testing.T) {
	ref := &fakeRefresher{err: errors.New("must not be called")}
	v, _ := newTestVault(t, map[domain.Provider]Refresher{domain.ProviderGmail: ref})
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, domain.OAuthCredential{Identity: "r@example.com", Provider: domain.ProviderGmail, AccessToken: "static"}))

	tok, err := v.GetValidToken(ctx, "r@example.com", domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "static", tok)
	assert.Zero(t, ref.calls.Load())
}
