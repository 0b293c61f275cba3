package services

import (
	"context"
	"testing"
	"time"

	"iwealthx-onboarding-server/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	createFn func(ctx context.Context, ownerID string, info UserInfo) (*ProviderSession, error)
	statusFn func(ctx context.Context, providerSessionID string) (*ProviderStatus, error)
}

func (s *stubProvider) CreateSession(ctx context.Context, ownerID string, info UserInfo) (*ProviderSession, error) {
	return s.createFn(ctx, ownerID, info)
}

func (s *stubProvider) GetSessionStatus(ctx context.Context, providerSessionID string) (*ProviderStatus, error) {
	return s.statusFn(ctx, providerSessionID)
}

func approvedStatus(sessionID string, confidence float64, aml string) *ProviderStatus {
	return &ProviderStatus{
		SessionID:  sessionID,
		Overall:    CheckApproved,
		Checks:     SubChecks{Document: CheckApproved, Liveness: CheckApproved, FaceMatch: CheckApproved},
		Confidence: confidence,
		AMLStatus:  aml,
	}
}

func approvedPayload(sessionID, eventID string, confidence float64, aml string) WebhookPayload {
	return WebhookPayload{
		EventID:    eventID,
		EventType:  "decision",
		SessionID:  sessionID,
		Status:     CheckApproved,
		Checks:     SubChecks{Document: CheckApproved, Liveness: CheckApproved, FaceMatch: CheckApproved},
		Confidence: confidence,
		AMLStatus:  aml,
	}
}

func newTestReconciler(t *testing.T, provider VerificationProvider) (*Reconciler, *SessionStore, clockwork.FakeClock) {
	t.Helper()
	store := NewSessionStore(newTestDB(t))
	clock := clockwork.NewFakeClock()
	reconciler := NewReconciler(store, provider, NewStatusBroker(), nil, clock, zap.NewNop())
	return reconciler, store, clock
}

func TestWebhookIdempotentDelivery(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, &stubProvider{})
	seedReconcilerSession(t, store, "sess-1", "prov-1", "owner-1")

	payload := approvedPayload("prov-1", "evt-1", 0.92, AMLClear)
	raw := []byte(`{"event_id":"evt-1"}`)

	require.NoError(t, reconciler.ApplyWebhook(context.Background(), payload, raw, true))
	require.NoError(t, reconciler.ApplyWebhook(context.Background(), payload, raw, true))
	require.NoError(t, reconciler.ApplyWebhook(context.Background(), payload, raw, true))

	session, err := store.FindByInternalID("sess-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, session.Status)

	var resultCount int64
	store.db.Model(&models.VerificationResult{}).Count(&resultCount)
	require.EqualValues(t, 1, resultCount)

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, kyc.Status)
	require.NotNil(t, kyc.ValidUntil)
}

func TestVerifiedNeverDowngraded(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, &stubProvider{})
	seedReconcilerSession(t, store, "sess-1", "prov-1", "owner-1")

	require.NoError(t, reconciler.ApplyWebhook(context.Background(),
		approvedPayload("prov-1", "evt-1", 0.92, AMLClear), nil, true))

	// A late delivery still reporting checks in progress must be a no-op.
	late := WebhookPayload{
		EventID:   "evt-2",
		SessionID: "prov-1",
		Status:    CheckInProgress,
		Checks:    SubChecks{Document: CheckApproved, Liveness: CheckInProgress, FaceMatch: CheckInProgress},
	}
	require.NoError(t, reconciler.ApplyWebhook(context.Background(), late, nil, true))

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, kyc.Status)

	session, err := store.FindByInternalID("sess-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, session.Status)
}

func TestWebhookAndPollConvergeInEitherOrder(t *testing.T) {
	orders := []string{"webhook_first", "poll_first"}
	for _, order := range orders {
		t.Run(order, func(t *testing.T) {
			provider := &stubProvider{
				statusFn: func(ctx context.Context, providerSessionID string) (*ProviderStatus, error) {
					return approvedStatus(providerSessionID, 0.9, AMLClear), nil
				},
			}
			reconciler, store, _ := newTestReconciler(t, provider)
			seedReconcilerSession(t, store, "sess-1", "prov-1", "owner-1")

			webhook := func() {
				require.NoError(t, reconciler.ApplyWebhook(context.Background(),
					approvedPayload("prov-1", "evt-1", 0.9, AMLClear), nil, true))
			}
			poll := func() {
				status, err := reconciler.ReconcilePoll(context.Background(), "sess-1")
				require.NoError(t, err)
				require.Equal(t, models.SessionStatusVerified, status)
			}

			if order == "webhook_first" {
				webhook()
				poll()
			} else {
				poll()
				webhook()
			}

			kyc, err := store.GetKycStatus("owner-1")
			require.NoError(t, err)
			require.Equal(t, models.SessionStatusVerified, kyc.Status)

			var resultCount int64
			store.db.Model(&models.VerificationResult{}).Count(&resultCount)
			require.EqualValues(t, 1, resultCount)
		})
	}
}

func TestConfidenceGateHoldsForReview(t *testing.T) {
	cases := []struct {
		name       string
		confidence float64
		aml        string
	}{
		{"low_confidence", 0.5, AMLClear},
		{"borderline_confidence", 0.7, AMLClear},
		{"aml_unclear", 0.95, AMLUnclear},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reconciler, store, _ := newTestReconciler(t, &stubProvider{})
			seedReconcilerSession(t, store, "sess-1", "prov-1", "owner-1")

			require.NoError(t, reconciler.ApplyWebhook(context.Background(),
				approvedPayload("prov-1", "evt-1", tc.confidence, tc.aml), nil, true))

			// Held for review: pending, not verified and never rejected.
			session, err := store.FindByInternalID("sess-1")
			require.NoError(t, err)
			require.Equal(t, models.SessionStatusPending, session.Status)

			kyc, err := store.GetKycStatus("owner-1")
			require.NoError(t, err)
			require.Equal(t, models.SessionStatusPending, kyc.Status)

			var resultCount int64
			store.db.Model(&models.VerificationResult{}).Count(&resultCount)
			require.EqualValues(t, 0, resultCount)
		})
	}
}

func TestDeclinedWebhookRejects(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, &stubProvider{})
	seedReconcilerSession(t, store, "sess-1", "prov-1", "owner-1")

	payload := WebhookPayload{
		EventID:   "evt-1",
		SessionID: "prov-1",
		Status:    CheckDeclined,
		Checks:    SubChecks{Document: CheckApproved, Liveness: CheckDeclined, FaceMatch: CheckApproved},
	}
	require.NoError(t, reconciler.ApplyWebhook(context.Background(), payload, nil, true))

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRejected, kyc.Status)
	require.Nil(t, kyc.ValidUntil)
}

func TestUnknownWebhookMutatesNothing(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, &stubProvider{})
	seedReconcilerSession(t, store, "sess-1", "prov-1", "owner-1")

	err := reconciler.ApplyWebhook(context.Background(),
		approvedPayload("prov-unknown", "evt-9", 0.99, AMLClear), nil, true)
	require.ErrorIs(t, err, ErrUnknownProviderSession)

	session, findErr := store.FindByInternalID("sess-1")
	require.NoError(t, findErr)
	require.Equal(t, models.SessionStatusPending, session.Status)

	var kycCount int64
	store.db.Model(&models.UserKycStatus{}).Count(&kycCount)
	require.EqualValues(t, 0, kycCount)
}

func TestPollExpiresStaleSession(t *testing.T) {
	provider := &stubProvider{
		statusFn: func(ctx context.Context, providerSessionID string) (*ProviderStatus, error) {
			t.Fatal("expired session must not hit the provider")
			return nil, nil
		},
	}
	reconciler, store, clock := newTestReconciler(t, provider)
	require.NoError(t, store.CreateSession(&models.VerificationSession{
		InternalID:        "sess-1",
		ProviderSessionID: "prov-1",
		OwnerID:           "owner-1",
		Status:            models.SessionStatusPending,
		VerificationURL:   "https://verify.example/sess-1",
		ExpiresAt:         clock.Now().Add(time.Hour),
	}))

	clock.Advance(3 * time.Hour)
	status, err := reconciler.ReconcilePoll(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusExpired, status)

	session, err := store.FindByInternalID("sess-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusExpired, session.Status)
}

func TestPollOnDemoSessionNeverHitsProvider(t *testing.T) {
	provider := &stubProvider{
		statusFn: func(ctx context.Context, providerSessionID string) (*ProviderStatus, error) {
			t.Fatal("demo session must not hit the provider")
			return nil, nil
		},
	}
	reconciler, store, _ := newTestReconciler(t, provider)
	session := &models.VerificationSession{
		InternalID:      "demo-1",
		OwnerID:         "owner-1",
		Status:          models.SessionStatusPending,
		VerificationURL: "https://app.example/kyc/demo?session=demo-1",
		IsDemo:          true,
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateSession(session))

	status, err := reconciler.ReconcilePoll(context.Background(), "demo-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusPending, status)
}

func TestManualDecisionResolvesReview(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, &stubProvider{})
	seedReconcilerSession(t, store, "sess-1", "prov-1", "owner-1")

	// Held for review by the confidence gate.
	require.NoError(t, reconciler.ApplyWebhook(context.Background(),
		approvedPayload("prov-1", "evt-1", 0.7, AMLClear), nil, true))

	status, err := reconciler.ApplyDecision(context.Background(), "sess-1", true, 42, "documents re-checked")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, status)

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, kyc.Status)

	// Already resolved; a second decision must be refused.
	_, err = reconciler.ApplyDecision(context.Background(), "sess-1", false, 42, "")
	require.Error(t, err)
}

func TestOwnerVerifiesOnLaterSessionAfterRejection(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, &stubProvider{})
	seedReconcilerSession(t, store, "sess-a", "prov-a", "owner-1")

	declined := WebhookPayload{
		EventID:   "evt-1",
		SessionID: "prov-a",
		Status:    CheckDeclined,
		Checks:    SubChecks{Document: CheckApproved, Liveness: CheckDeclined, FaceMatch: CheckApproved},
	}
	require.NoError(t, reconciler.ApplyWebhook(context.Background(), declined, nil, true))

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRejected, kyc.Status)

	// The owner retries. The new session is approved but gated for review,
	// and a reviewer approves it.
	seedReconcilerSession(t, store, "sess-b", "prov-b", "owner-1")
	require.NoError(t, reconciler.ApplyWebhook(context.Background(),
		approvedPayload("prov-b", "evt-2", 0.7, AMLClear), nil, true))

	status, err := reconciler.ApplyDecision(context.Background(), "sess-b", true, 42, "documents re-checked")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, status)

	// The owner gate follows the latest session's terminal outcome.
	kyc, err = store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, kyc.Status)
	require.Equal(t, "sess-b", kyc.SessionInternalID)
	require.NotNil(t, kyc.ValidUntil)

	completed, err := reconciler.IsVerificationCompleted("owner-1")
	require.NoError(t, err)
	require.True(t, completed)

	// The rejected first session itself is untouched.
	first, err := store.FindByInternalID("sess-a")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRejected, first.Status)
}

func TestDemoCompletionReportsStoredOutcome(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, &stubProvider{})
	session := &models.VerificationSession{
		InternalID:      "demo-1",
		OwnerID:         "owner-1",
		Status:          models.SessionStatusPending,
		IsDemo:          true,
		ExpiresAt:       time.Now().Add(time.Hour),
		VerificationURL: "https://app.example/kyc/demo?session=demo-1",
	}
	require.NoError(t, store.CreateSession(session))

	event, err := reconciler.ApplyDemoCompletion(context.Background(), "demo-1", false)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRejected, event.Status)
	require.False(t, event.Verified)

	// A second completion races a resolved session: the event must carry the
	// stored outcome, not the freshly computed one.
	event, err = reconciler.ApplyDemoCompletion(context.Background(), "demo-1", true)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRejected, event.Status)
	require.False(t, event.Verified)

	stored, err := store.FindByInternalID("demo-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRejected, stored.Status)
}

func TestDemoCompletionSharesReconcilerPath(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, &stubProvider{})
	session := &models.VerificationSession{
		InternalID:      "demo-1",
		OwnerID:         "owner-1",
		Status:          models.SessionStatusPending,
		IsDemo:          true,
		ExpiresAt:       time.Now().Add(time.Hour),
		VerificationURL: "https://app.example/kyc/demo?session=demo-1",
	}
	require.NoError(t, store.CreateSession(session))

	event, err := reconciler.ApplyDemoCompletion(context.Background(), "demo-1", true)
	require.NoError(t, err)
	require.Equal(t, EventVerificationComplete, event.Type)
	require.True(t, event.Verified)
	require.Equal(t, "owner-1", event.OwnerID)

	kyc, err := store.GetKycStatus("owner-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusVerified, kyc.Status)

	completed, err := reconciler.IsVerificationCompleted("owner-1")
	require.NoError(t, err)
	require.True(t, completed)
}

func seedReconcilerSession(t *testing.T, store *SessionStore, internalID, providerID, ownerID string) {
	t.Helper()
	require.NoError(t, store.CreateSession(&models.VerificationSession{
		InternalID:        internalID,
		ProviderSessionID: providerID,
		OwnerID:           ownerID,
		Status:            models.SessionStatusPending,
		VerificationURL:   "https://verify.example/" + internalID,
		ExpiresAt:         time.Now().Add(time.Hour),
	}))
}
