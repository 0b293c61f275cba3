package models

import (
	"time"

	"gorm.io/datatypes"
)

// VerificationResult is the terminal outcome of a session, at most one row per
// session. The raw provider payload is stored for audit only and is never
// reparsed for logic.
type VerificationResult struct {
	ID                uint           `json:"id" gorm:"primaryKey"`
	SessionInternalID string         `json:"sessionId" gorm:"size:64;uniqueIndex;not null"`
	Verified          bool           `json:"verified"`
	Confidence        float64        `json:"confidence"`
	RiskScore         float64        `json:"riskScore"`
	AMLStatus         string         `json:"amlStatus" gorm:"size:20"`
	RawPayload        datatypes.JSON `json:"-"`
	VerifiedAt        time.Time      `json:"verifiedAt"`
	CreatedAt         time.Time      `json:"createdAt"`
}
