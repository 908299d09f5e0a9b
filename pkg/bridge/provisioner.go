// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProxyCreator is the platform-side half of identity provisioning: it mints
// or refreshes a proxy identity on its platform for a remote user.
type ProxyCreator interface {
	Platform() Platform
	// CreateProxy registers a proxy identity and returns its platform user
	// ID. It must be idempotent: an already registered proxy is not an
	// error. avatarURL may be empty.
	CreateProxy(ctx context.Context, source Platform, sourceUserID, displayName, avatarURL string) (string, error)
	// RefreshProfile updates the proxy's display metadata. avatarURL may be
	// empty, meaning no avatar change.
	RefreshProfile(ctx context.Context, proxyUserID, displayName, avatarURL string) error
}

// AvatarSource resolves a user's profile picture URL on its own platform.
// Inbound adapters register one so the provisioner can mirror avatars onto
// proxy identities.
type AvatarSource interface {
	Platform() Platform
	// AvatarURL returns an HTTP(S) URL for the user's current profile
	// picture, or "" when the user has none.
	AvatarURL(ctx context.Context, userID string) (string, error)
}

// Provisioner ensures a proxy identity exists on the destination platform for
// each source-side sender. Failures are non-fatal: the caller falls back to
// the shared bridge identity and the failed key is retried after a cooldown.
type Provisioner struct {
	store *Store
	log   zerolog.Logger

	creatorsMu sync.RWMutex
	creators   map[Platform]ProxyCreator
	avatars    map[Platform]AvatarSource

	// refreshInterval rate-limits profile refreshes per identity so
	// high-frequency senders do not hammer the profile API.
	refreshInterval time.Duration
	// failureCooldown delays re-attempting a failed proxy creation.
	failureCooldown time.Duration

	failMu   sync.Mutex
	failures map[string]time.Time

	locks keyedMutex
}

// NewProvisioner creates a provisioner over the mapping store.
func NewProvisioner(store *Store, refreshInterval time.Duration, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		store:           store,
		log:             log.With().Str("component", "provisioner").Logger(),
		creators:        make(map[Platform]ProxyCreator),
		avatars:         make(map[Platform]AvatarSource),
		refreshInterval: refreshInterval,
		failureCooldown: time.Minute,
		failures:        make(map[string]time.Time),
	}
}

// RegisterCreator wires a platform-side proxy creator.
func (p *Provisioner) RegisterCreator(c ProxyCreator) {
	p.creatorsMu.Lock()
	defer p.creatorsMu.Unlock()
	p.creators[c.Platform()] = c
}

// RegisterAvatarSource wires a source-platform avatar resolver.
func (p *Provisioner) RegisterAvatarSource(src AvatarSource) {
	p.creatorsMu.Lock()
	defer p.creatorsMu.Unlock()
	p.avatars[src.Platform()] = src
}

// avatarFor resolves the source user's current avatar URL. Best-effort:
// failures log and return "".
func (p *Provisioner) avatarFor(ctx context.Context, source Platform, sourceUserID string) string {
	p.creatorsMu.RLock()
	src := p.avatars[source]
	p.creatorsMu.RUnlock()
	if src == nil {
		return ""
	}
	url, err := src.AvatarURL(ctx, sourceUserID)
	if err != nil {
		p.log.Debug().Err(err).
			Str("source_platform", string(source)).
			Str("source_user_id", sourceUserID).
			Msg("Failed to resolve avatar")
		return ""
	}
	return url
}

// EnsureProxy returns the destination proxy user ID for a source user,
// creating it on first use and refreshing its profile at most once per
// refresh interval. A creation failure returns ("", err); the caller is
// expected to fall back to the shared bridge identity for the message at
// hand while this provisioner retries on the next sender activity after a
// cooldown.
func (p *Provisioner) EnsureProxy(ctx context.Context, dest Platform, source Platform, sourceUserID, displayName string) (string, error) {
	key := string(dest) + "/" + string(source) + "/" + sourceUserID
	unlock := p.locks.Lock(key)
	defer unlock()

	ident, err := p.store.GetIdentity(ctx, source, sourceUserID, dest)
	if err != nil {
		return "", err
	}

	p.creatorsMu.RLock()
	creator := p.creators[dest]
	p.creatorsMu.RUnlock()
	if creator == nil {
		return "", fmt.Errorf("no proxy creator for platform %s", dest)
	}

	if ident != nil {
		p.maybeRefresh(ctx, creator, ident, displayName)
		return ident.ProxyUserID, nil
	}

	if until, waiting := p.inCooldown(key); waiting {
		return "", Transientf("proxy creation for %s cooling down until %s", sourceUserID, until.Format(time.RFC3339))
	}

	avatarURL := p.avatarFor(ctx, source, sourceUserID)
	proxyID, err := creator.CreateProxy(ctx, source, sourceUserID, displayName, avatarURL)
	if err != nil {
		p.recordFailure(key)
		return "", fmt.Errorf("create proxy for %s/%s: %w", source, sourceUserID, err)
	}
	p.clearFailure(key)

	if err := p.store.PutIdentity(ctx, &Identity{
		SourcePlatform: source,
		SourceUserID:   sourceUserID,
		DestPlatform:   dest,
		ProxyUserID:    proxyID,
		DisplayName:    displayName,
		AvatarURL:      avatarURL,
		LastSyncedAt:   time.Now(),
	}); err != nil {
		// The remote proxy exists; CreateProxy idempotency will adopt it on
		// the next call even though persistence failed here.
		return "", err
	}

	p.log.Info().
		Str("source_platform", string(source)).
		Str("source_user_id", sourceUserID).
		Str("proxy_user_id", proxyID).
		Msg("Provisioned proxy identity")
	return proxyID, nil
}

// maybeRefresh updates the proxy profile when the display name or avatar
// changed and the per-identity refresh window has elapsed. Refresh failures
// are logged, never surfaced: the identity itself is still usable.
func (p *Provisioner) maybeRefresh(ctx context.Context, creator ProxyCreator, ident *Identity, displayName string) {
	if time.Since(ident.LastSyncedAt) < p.refreshInterval {
		return
	}
	avatarURL := p.avatarFor(ctx, ident.SourcePlatform, ident.SourceUserID)

	nameChanged := displayName != "" && displayName != ident.DisplayName
	avatarChanged := avatarURL != "" && avatarURL != ident.AvatarURL
	if nameChanged || avatarChanged {
		name := displayName
		if name == "" {
			name = ident.DisplayName
		}
		newAvatar := ""
		if avatarChanged {
			newAvatar = avatarURL
		}
		if err := creator.RefreshProfile(ctx, ident.ProxyUserID, name, newAvatar); err != nil {
			p.log.Warn().Err(err).
				Str("proxy_user_id", ident.ProxyUserID).
				Msg("Failed to refresh proxy profile")
			return
		}
		ident.DisplayName = name
		if avatarChanged {
			ident.AvatarURL = avatarURL
		}
	}

	// Persisting the sync time even without changes keeps the avatar lookup
	// off the per-message hot path.
	ident.LastSyncedAt = time.Now()
	if err := p.store.PutIdentity(ctx, ident); err != nil {
		p.log.Warn().Err(err).
			Str("proxy_user_id", ident.ProxyUserID).
			Msg("Failed to persist refreshed identity")
	}
}

func (p *Provisioner) inCooldown(key string) (time.Time, bool) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	failedAt, ok := p.failures[key]
	if !ok {
		return time.Time{}, false
	}
	until := failedAt.Add(p.failureCooldown)
	if time.Now().After(until) {
		delete(p.failures, key)
		return time.Time{}, false
	}
	return until, true
}

func (p *Provisioner) recordFailure(key string) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.failures[key] = time.Now()
}

func (p *Provisioner) clearFailure(key string) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	delete(p.failures, key)
}
