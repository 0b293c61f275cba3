package services

import (
	"testing"
	"time"

	"iwealthx-onboarding-server/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A second pooled connection would see a different in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.VerificationSession{},
		&models.VerificationResult{},
		&models.UserKycStatus{},
		&models.WebhookEvent{},
		&models.AuditLog{},
		&models.Feedback{},
	))
	return db
}

func seedSession(t *testing.T, store *SessionStore, internalID, providerID, ownerID string, isDemo bool) *models.VerificationSession {
	t.Helper()
	session := &models.VerificationSession{
		InternalID:        internalID,
		ProviderSessionID: providerID,
		OwnerID:           ownerID,
		Status:            models.SessionStatusPending,
		VerificationURL:   "https://verify.example/" + internalID,
		IsDemo:            isDemo,
		ExpiresAt:         time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateSession(session))
	return session
}

func TestTransitionSessionIsMonotonic(t *testing.T) {
	store := NewSessionStore(newTestDB(t))
	seedSession(t, store, "sess-1", "prov-1", "owner-1", false)

	moved, err := store.TransitionSession("sess-1", models.SessionStatusVerified)
	require.NoError(t, err)
	require.True(t, moved)

	// A later writer cannot rewrite a terminal status.
	moved, err = store.TransitionSession("sess-1", models.SessionStatusRejected)
	require.NoError(t, err)
	require.False(t, moved)

	session, err := store.FindByInternalID("sess-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, session.Status)
}

func TestUpsertResultKeepsFirstWriter(t *testing.T) {
	store := NewSessionStore(newTestDB(t))
	seedSession(t, store, "sess-1", "prov-1", "owner-1", false)

	require.NoError(t, store.UpsertResult(&models.VerificationResult{
		SessionInternalID: "sess-1",
		Verified:          true,
		Confidence:        0.91,
	}))
	require.NoError(t, store.UpsertResult(&models.VerificationResult{
		SessionInternalID: "sess-1",
		Verified:          false,
		Confidence:        0.2,
	}))

	var count int64
	store.db.Model(&models.VerificationResult{}).Where("session_internal_id = ?", "sess-1").Count(&count)
	require.EqualValues(t, 1, count)

	result, err := store.FindResult("sess-1")
	require.NoError(t, err)
	require.True(t, result.Verified)
	require.InDelta(t, 0.91, result.Confidence, 1e-9)
}

func TestUpsertKycStatusSameSessionNeverDowngrades(t *testing.T) {
	store := NewSessionStore(newTestDB(t))
	now := time.Now()

	validUntil := now.Add(24 * time.Hour)
	require.NoError(t, store.UpsertKycStatus(&models.UserKycStatus{
		OwnerID:           "owner-1",
		Status:            models.SessionStatusVerified,
		SessionInternalID: "sess-1",
		ValidUntil:        &validUntil,
	}, now))

	// A late or duplicate writer for the same session is a no-op.
	require.NoError(t, store.UpsertKycStatus(&models.UserKycStatus{
		OwnerID:           "owner-1",
		Status:            models.SessionStatusPending,
		SessionInternalID: "sess-1",
	}, now))

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, kyc.Status)
	require.Equal(t, "sess-1", kyc.SessionInternalID)
	require.NotNil(t, kyc.ValidUntil)
}

func TestUpsertKycStatusFollowsLatestSession(t *testing.T) {
	store := NewSessionStore(newTestDB(t))
	now := time.Now()

	require.NoError(t, store.UpsertKycStatus(&models.UserKycStatus{
		OwnerID:           "owner-1",
		Status:            models.SessionStatusRejected,
		SessionInternalID: "sess-1",
	}, now))

	// A terminal outcome on one session does not pin the owner forever: a
	// write carrying a newer session id wins.
	validUntil := now.Add(24 * time.Hour)
	require.NoError(t, store.UpsertKycStatus(&models.UserKycStatus{
		OwnerID:           "owner-1",
		Status:            models.SessionStatusVerified,
		SessionInternalID: "sess-2",
		ValidUntil:        &validUntil,
	}, now))

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, kyc.Status)
	require.Equal(t, "sess-2", kyc.SessionInternalID)
	require.True(t, kyc.IsVerified(now))
}

func TestUpsertKycStatusAllowsRenewalAfterExpiry(t *testing.T) {
	store := NewSessionStore(newTestDB(t))
	now := time.Now()

	expired := now.Add(-time.Hour)
	require.NoError(t, store.UpsertKycStatus(&models.UserKycStatus{
		OwnerID:           "owner-1",
		Status:            models.SessionStatusVerified,
		SessionInternalID: "sess-old",
		ValidUntil:        &expired,
	}, now))

	renewed := now.Add(24 * time.Hour)
	require.NoError(t, store.UpsertKycStatus(&models.UserKycStatus{
		OwnerID:           "owner-1",
		Status:            models.SessionStatusVerified,
		SessionInternalID: "sess-new",
		ValidUntil:        &renewed,
	}, now))

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, "sess-new", kyc.SessionInternalID)
	require.True(t, kyc.IsVerified(now))
}

func TestRecordWebhookEventDeduplicates(t *testing.T) {
	store := NewSessionStore(newTestDB(t))

	event := &models.WebhookEvent{Provider: "kyc", ProviderEventID: "evt-1", EventType: "decision"}
	duplicate, err := store.RecordWebhookEvent(event)
	require.NoError(t, err)
	require.False(t, duplicate)

	duplicate, err = store.RecordWebhookEvent(&models.WebhookEvent{Provider: "kyc", ProviderEventID: "evt-1", EventType: "decision"})
	require.NoError(t, err)
	require.True(t, duplicate)
}

func TestListSessionsFilters(t *testing.T) {
	store := NewSessionStore(newTestDB(t))
	seedSession(t, store, "sess-1", "prov-1", "owner-1", false)
	seedSession(t, store, "sess-2", "", "owner-2", true)
	_, err := store.TransitionSession("sess-1", models.SessionStatusVerified)
	require.NoError(t, err)

	sessions, total, err := store.ListSessions(SessionFilter{Status: models.SessionStatusVerified})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, sessions, 1)
	require.Equal(t, "sess-1", sessions[0].InternalID)

	isDemo := true
	sessions, total, err = store.ListSessions(SessionFilter{IsDemo: &isDemo})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "sess-2", sessions[0].InternalID)
}
