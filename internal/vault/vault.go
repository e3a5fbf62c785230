package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/lock"
	"formline/internal/metrics"
	"formline/internal/observability/logger"
	"formline/internal/repo"
)

// defaultLifetime applies when a token response carries no expiry.
const defaultLifetime = time.Hour

type Options struct {
	// Skew treats tokens that expire within this window as already expired.
	Skew           time.Duration
	RefreshTimeout time.Duration
	Now            func() time.Time
	Hub            *events.Hub
	// Locker, when set, keeps replicas from refreshing the same credential at once.
	Locker lock.Locker
	Log            *zap.Logger
}

// Vault stores OAuth credentials per (identity, provider) and hands out
// access tokens that are valid at the time of the call.
type Vault struct {
	repo       repo.Repo
	sealer     *Sealer
	refreshers map[domain.Provider]Refresher
	group      singleflight.Group
	opts       Options
}

func New(r repo.Repo, sealer *Sealer, refreshers map[domain.Provider]Refresher, opts Options) *Vault {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logger.Named("vault")
	}
	if refreshers == nil {
		refreshers = map[domain.Provider]Refresher{}
	}
	return &Vault{repo: r, sealer: sealer, refreshers: refreshers, opts: opts}
}

func (v *Vault) now() time.Time { return v.opts.Now().UTC() }

func (v *Vault) Store(ctx context.Context, c domain.OAuthCredential) error {
	c.Identity = strings.ToLower(strings.TrimSpace(c.Identity))
	verr := &domain.ValidationError{}
	if c.Identity == "" {
		verr.Add("identity", "is required")
	}
	if !c.Provider.Valid() {
		verr.Add("provider", "must be gmail or microsoft")
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		verr.Add("access_token", "access or refresh token is required")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	c.UpdatedAt = v.now()
	if err := v.put(ctx, c); err != nil {
		return err
	}
	v.opts.Log.Info("credential stored", logger.Mailbox(c.Identity), logger.Provider(string(c.Provider)))
	v.opts.Hub.Publish(events.Message{Type: events.CredentialStored, EntityKind: "credential", EntityID: c.Identity, Payload: events.EventPayload{"provider": string(c.Provider)}})
	return nil
}

func (v *Vault) put(ctx context.Context, c domain.OAuthCredential) error {
	var err error
	if c.AccessToken, err = v.sealer.Seal(c.AccessToken); err != nil {
		return err
	}
	if c.RefreshToken, err = v.sealer.Seal(c.RefreshToken); err != nil {
		return err
	}
	return v.repo.UpsertCredential(ctx, c)
}

func (v *Vault) get(ctx context.Context, identity string, provider domain.Provider) (domain.OAuthCredential, error) {
	c, err := v.repo.GetCredential(ctx, identity, provider)
	if err != nil {
		return c, err
	}
	if c.AccessToken, err = v.sealer.Open(c.AccessToken); err != nil {
		return c, err
	}
	if c.RefreshToken, err = v.sealer.Open(c.RefreshToken); err != nil {
		return c, err
	}
	return c, nil
}

func (v *Vault) Revoke(ctx context.Context, identity string, provider domain.Provider) error {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if err := v.repo.DeleteCredential(ctx, identity, provider); err != nil {
		return err
	}
	v.opts.Hub.Publish(events.Message{Type: events.CredentialRevoked, EntityKind: "credential", EntityID: identity, Payload: events.EventPayload{"provider": string(provider)}})
	return nil
}

// List returns credential metadata without token material.
func (v *Vault) List(ctx context.Context) ([]domain.OAuthCredential, error) {
	return v.repo.ListCredentials(ctx)
}

func (v *Vault) fresh(c domain.OAuthCredential) bool {
	if c.AccessToken == "" {
		return false
	}
	// Without a known expiry the token is only trusted when it cannot be refreshed.
	if c.Expiry.IsZero() {
		return c.RefreshToken == ""
	}
	return v.now().Add(v.opts.Skew).Before(c.Expiry)
}

// GetValidToken returns an access token for the mailbox, refreshing it when
// it is expired or about to expire. Concurrent callers for the same
// credential share one refresh. A missing credential is ErrNotFound; a
// failed refresh is ErrTokenRefreshFailed.
func (v *Vault) GetValidToken(ctx context.Context, identity string, provider domain.Provider) (string, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	c, err := v.get(ctx, identity, provider)
	if err != nil {
		return "", err
	}
	if v.fresh(c) {
		return c.AccessToken, nil
	}
	key := string(provider) + "|" + identity
	ch := v.group.DoChan(key, func() (any, error) {
		// The refresh outlives a single caller's cancellation so waiters still get a result.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.opts.RefreshTimeout)
		defer cancel()
		return v.refreshExclusive(rctx, key, identity, provider)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// peerPoll is how often a replica waiting on another replica's refresh re-reads the credential.
const peerPoll = 200 * time.Millisecond

func (v *Vault) refreshExclusive(ctx context.Context, key, identity string, provider domain.Provider) (string, error) {
	if v.opts.Locker == nil {
		return v.refresh(ctx, identity, provider)
	}
	release, ok, err := v.opts.Locker.Acquire(ctx, "refresh:"+key, v.opts.RefreshTimeout)
	if err != nil {
		v.opts.Log.Warn("refresh lock unavailable, refreshing without it", logger.Mailbox(identity), logger.Err(err))
		return v.refresh(ctx, identity, provider)
	}
	if ok {
		defer release()
		return v.refresh(ctx, identity, provider)
	}
	ticker := time.NewTicker(peerPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: waiting for concurrent refresh: %v", domain.ErrTokenRefreshFailed, ctx.Err())
		case <-ticker.C:
			c, err := v.get(ctx, identity, provider)
			if err != nil {
				return "", err
			}
			if v.fresh(c) {
				return c.AccessToken, nil
			}
		}
	}
}

func (v *Vault) refresh(ctx context.Context, identity string, provider domain.Provider) (string, error) {
	c, err := v.get(ctx, identity, provider)
	if err != nil {
		return "", err
	}
	if v.fresh(c) {
		return c.AccessToken, nil
	}
	log := v.opts.Log.With(logger.Mailbox(identity), logger.Provider(string(provider)))
	refresher, ok := v.refreshers[provider]
	if !ok {
		metrics.TokenRefreshes.WithLabelValues(string(provider), "unconfigured").Inc()
		return "", fmt.Errorf("%w: no oauth client configured for %s", domain.ErrTokenRefreshFailed, provider)
	}
	if c.RefreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues(string(provider), "failure").Inc()
		return "", fmt.Errorf("%w: no refresh token stored", domain.ErrTokenRefreshFailed)
	}
	tok, err := refresher.Refresh(ctx, c.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(provider), "failure").Inc()
		log.Warn("token refresh failed", logger.Err(err))
		return "", fmt.Errorf("%w: %v", domain.ErrTokenRefreshFailed, err)
	}
	if tok.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues(string(provider), "failure").Inc()
		return "", fmt.Errorf("%w: empty access token", domain.ErrTokenRefreshFailed)
	}
	now := v.now()
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.Expiry = tok.Expiry.UTC()
	if tok.Expiry.IsZero() {
		c.Expiry = now.Add(defaultLifetime)
	}
	c.UpdatedAt = now
	if err := v.put(ctx, c); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	metrics.TokenRefreshes.WithLabelValues(string(provider), "success").Inc()
	log.Info("token refreshed", logger.String("expiry", c.Expiry.Format(time.RFC3339)))
	return c.AccessToken, nil
}

// IsAuthFailure reports whether err means the mailbox cannot be used until
// someone stores a new credential.
func IsAuthFailure(err error) bool {
	return errors.Is(err, domain.ErrTokenRefreshFailed) || errors.Is(err, domain.ErrNotFound)
}
