package services

import (
	"context"
	"fmt"
	"time"

	"iwealthx-onboarding-server/models"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const latestSessionKeyPrefix = "kyc:latest_session:"

// SessionConfig carries the creation-time knobs.
type SessionConfig struct {
	// DemoBaseURL hosts the self-contained demo walkthrough.
	DemoBaseURL string
	// SessionTTL bounds how long an unresolved session stays actionable.
	SessionTTL time.Duration
}

func DefaultSessionConfig(demoBaseURL string) SessionConfig {
	return SessionConfig{DemoBaseURL: demoBaseURL, SessionTTL: time.Hour}
}

// CreatedSession is what callers get back from session creation.
type CreatedSession struct {
	InternalID        string `json:"internalId"`
	VerificationURL   string `json:"verificationUrl"`
	ProviderSessionID string `json:"providerSessionId,omitempty"`
	IsDemo            bool   `json:"isDemo"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// SessionCreator opens verification sessions. A provider outage degrades to a
// self-contained demo walkthrough instead of blocking onboarding; provider
// errors are absorbed here and never surfaced to the caller.
type SessionCreator struct {
	store    *SessionStore
	provider VerificationProvider
	redis    *redis.Client
	cfg      SessionConfig
	clock    clockwork.Clock
	log      *zap.Logger
}

func NewSessionCreator(store *SessionStore, provider VerificationProvider, rdb *redis.Client, cfg SessionConfig, clock clockwork.Clock, log *zap.Logger) *SessionCreator {
	return &SessionCreator{store: store, provider: provider, redis: rdb, cfg: cfg, clock: clock, log: log}
}

// CreateSession attempts a real provider session and falls back to a demo
// session on any provider failure. It returns an error only when the provider
// call and persisting the demo fallback both fail.
func (c *SessionCreator) CreateSession(ctx context.Context, ownerID string, info UserInfo) (*CreatedSession, error) {
	internalID := ksuid.New().String()
	now := c.clock.Now()
	expiresAt := now.Add(c.cfg.SessionTTL)

	providerSession, providerErr := c.provider.CreateSession(ctx, ownerID, info)
	if providerErr == nil {
		if !providerSession.ExpiresAt.IsZero() {
			expiresAt = providerSession.ExpiresAt
		}
		session := &models.VerificationSession{
			InternalID:        internalID,
			ProviderSessionID: providerSession.SessionID,
			OwnerID:           ownerID,
			Status:            models.SessionStatusPending,
			VerificationURL:   providerSession.URL,
			IsDemo:            false,
			ExpiresAt:         expiresAt,
		}
		if err := c.store.CreateSession(session); err != nil {
			return nil, fmt.Errorf("persisting verification session: %w", err)
		}
		c.recordLatest(ctx, ownerID, internalID)
		return &CreatedSession{
			InternalID:        internalID,
			VerificationURL:   providerSession.URL,
			ProviderSessionID: providerSession.SessionID,
			IsDemo:            false,
			ExpiresAt:         expiresAt,
		}, nil
	}

	c.log.Warn("provider session creation failed, falling back to demo session",
		zap.String("ownerId", ownerID),
		zap.Error(providerErr))

	demoURL := fmt.Sprintf("%s/kyc/demo?session=%s&ts=%d", c.cfg.DemoBaseURL, internalID, now.Unix())
	session := &models.VerificationSession{
		InternalID:      internalID,
		OwnerID:         ownerID,
		Status:          models.SessionStatusPending,
		VerificationURL: demoURL,
		IsDemo:          true,
		ExpiresAt:       expiresAt,
	}
	if err := c.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("provider unavailable and demo fallback failed: %w", err)
	}
	c.recordLatest(ctx, ownerID, internalID)
	return &CreatedSession{
		InternalID:      internalID,
		VerificationURL: demoURL,
		IsDemo:          true,
		ExpiresAt:       expiresAt,
	}, nil
}

// recordLatest keeps a best-effort pointer to the owner's newest session.
// Losing it only costs a DB lookup, so failures are logged and swallowed.
func (c *SessionCreator) recordLatest(ctx context.Context, ownerID, internalID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, latestSessionKeyPrefix+ownerID, internalID, c.cfg.SessionTTL).Err(); err != nil {
		c.log.Warn("failed to record latest session pointer",
			zap.String("ownerId", ownerID),
			zap.Error(err))
	}
}

// LatestSessionID reads the pointer, falling back to the store when Redis
// has no answer.
func (c *SessionCreator) LatestSessionID(ctx context.Context, ownerID string) (string, error) {
	if c.redis != nil {
		if id, err := c.redis.Get(ctx, latestSessionKeyPrefix+ownerID).Result(); err == nil && id != "" {
			return id, nil
		}
	}
	session, err := c.store.LatestByOwner(ownerID)
	if err != nil {
		return "", err
	}
	return session.InternalID, nil
}
