package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent stores provider webhook deliveries with deduplication metadata.
// The unique (provider, provider_event_id) index is what makes redelivery
// detection a single insert.
type WebhookEvent struct {
	ID                uint           `json:"id" gorm:"primaryKey"`
	Provider          string         `json:"provider" gorm:"size:32;not null;index:ux_webhook_events_provider_event,unique,priority:1"`
	ProviderEventID   string         `json:"providerEventId" gorm:"size:128;not null;index:ux_webhook_events_provider_event,unique,priority:2"`
	ProviderSessionID string         `json:"providerSessionId" gorm:"size:128;index"`
	EventType         string         `json:"eventType" gorm:"size:64;index"`
	Payload           datatypes.JSON `json:"-"`
	SignatureValid    bool           `json:"signatureValid" gorm:"default:false"`
	ProcessedAt       *time.Time     `json:"processedAt"`
	ProcessingError   string         `json:"processingError" gorm:"type:text"`
	CreatedAt         time.Time      `json:"createdAt"`
}
