package models

import (
	"time"

	"gorm.io/gorm"
)

// Verification session statuses. Transitions are monotonic: a session leaves
// "pending" exactly once and never returns to it.
const (
	SessionStatusPending  = "pending"
	SessionStatusVerified = "verified"
	SessionStatusRejected = "rejected"
	SessionStatusFailed   = "failed"
	SessionStatusExpired  = "expired"
)

// VerificationSession is one attempt by an investor to complete identity
// verification. InternalID is the identity every internal consumer uses;
// ProviderSessionID is empty for demo sessions, which never reach the
// real provider.
type VerificationSession struct {
	gorm.Model
	InternalID        string    `json:"internalId" gorm:"size:64;uniqueIndex;not null"`
	ProviderSessionID string    `json:"providerSessionId" gorm:"size:128;index"`
	OwnerID           string    `json:"ownerId" gorm:"size:64;not null;index"`
	Status            string    `json:"status" gorm:"size:20;default:'pending';index"`
	VerificationURL   string    `json:"verificationUrl" gorm:"size:1024"`
	IsDemo            bool      `json:"isDemo" gorm:"default:false;index"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// IsTerminal reports whether the stored status can no longer change.
func (s *VerificationSession) IsTerminal() bool {
	return s.Status != SessionStatusPending
}

// EffectiveStatus applies the read-time expiry rule: a pending session past
// its ExpiresAt is expired even though no writer has touched the row.
func (s *VerificationSession) EffectiveStatus(now time.Time) string {
	if s.Status == SessionStatusPending && !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return SessionStatusExpired
	}
	return s.Status
}
