package models

import (
	"time"
)

// UserKycStatus is the derived, latest-wins KYC state per owner. It is the
// only field route protection and dashboards may read, and it is only ever
// written by the status reconciler.
type UserKycStatus struct {
	ID                uint       `json:"id" gorm:"primaryKey"`
	OwnerID           string     `json:"ownerId" gorm:"size:64;uniqueIndex;not null"`
	Status            string     `json:"status" gorm:"size:20;default:'pending';index"`
	SessionInternalID string     `json:"sessionId" gorm:"size:64;index"`
	ValidUntil        *time.Time `json:"validUntil"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// IsExpired reports whether a verified status has aged past its validity
// window. Expiry is a read-time check; no process rewrites the row.
func (k *UserKycStatus) IsExpired(now time.Time) bool {
	return k.ValidUntil != nil && now.After(*k.ValidUntil)
}

// IsVerified reports whether the owner currently counts as KYC-verified.
func (k *UserKycStatus) IsVerified(now time.Time) bool {
	return k.Status == SessionStatusVerified && !k.IsExpired(now)
}
