package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"iwealthx-onboarding-server/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ErrUnknownProviderSession flags a webhook for a session this system never
// created: a data-integrity error, not a silently droppable delivery.
var ErrUnknownProviderSession = errors.New("webhook references unknown provider session")

// Confidence gate for the verified status. A provider-approved session below
// the verified threshold, or without AML clearance, is parked for manual
// review instead of being promoted; absence of clearance is not evidence of
// fraud, so it is never turned into a rejection.
const (
	ConfidenceVerifiedThreshold = 0.8

	// KycValidity is how long a verified status counts before downstream
	// consumers must treat it as stale. Expiry is a read-time check.
	KycValidity = 365 * 24 * time.Hour
)

// WebhookPayload is the provider's asynchronous callback body.
type WebhookPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Checks     SubChecks `json:"checks"`
	Confidence float64   `json:"confidence"`
	RiskScore  float64   `json:"risk_score"`
	AMLStatus  string    `json:"aml_status"`
}

// TerminalNotifier is told when a session reaches a terminal status. Optional.
type TerminalNotifier interface {
	NotifyKycResult(ownerID, status string)
}

// Reconciler is the single authority converting raw provider signals, from
// whichever of the unordered writers delivers them first, into the canonical
// session status and the derived per-owner KYC status.
type Reconciler struct {
	store    *SessionStore
	provider VerificationProvider
	broker   *StatusBroker
	notifier TerminalNotifier
	clock    clockwork.Clock
	log      *zap.Logger
}

func NewReconciler(store *SessionStore, provider VerificationProvider, broker *StatusBroker, notifier TerminalNotifier, clock clockwork.Clock, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, provider: provider, broker: broker, notifier: notifier, clock: clock, log: log}
}

// deriveStatus maps a provider snapshot onto the canonical status. Explicit
// declines win over errors; the confidence/AML gate can hold an approved
// session at pending but never convert it to rejected.
func deriveStatus(ps *ProviderStatus) string {
	checks := []string{ps.Checks.Document, ps.Checks.Liveness, ps.Checks.FaceMatch}

	if ps.Overall == CheckDeclined {
		return models.SessionStatusRejected
	}
	for _, c := range checks {
		if c == CheckDeclined {
			return models.SessionStatusRejected
		}
	}

	if ps.Overall == CheckError {
		return models.SessionStatusFailed
	}
	for _, c := range checks {
		if c == CheckError {
			return models.SessionStatusFailed
		}
	}

	for _, c := range checks {
		if c != CheckApproved {
			return models.SessionStatusPending
		}
	}

	if ps.Confidence >= ConfidenceVerifiedThreshold && ps.AMLStatus == AMLClear {
		return models.SessionStatusVerified
	}
	// Approved but gated: manual review.
	return models.SessionStatusPending
}

// ApplyWebhook is the webhook entry point. The payload is keyed by the
// provider's session id; a session we never created mutates nothing and is
// reported as an integrity error for the handler to log and acknowledge.
func (r *Reconciler) ApplyWebhook(ctx context.Context, payload WebhookPayload, raw []byte, signatureValid bool) error {
	now := r.clock.Now()

	if payload.EventID == "" {
		// Some provider configurations omit event ids; synthesize one so the
		// delivery row exists, at the cost of dedup for that provider.
		payload.EventID = uuid.NewString()
	}

	event := &models.WebhookEvent{
		Provider:          "kyc",
		ProviderEventID:   payload.EventID,
		ProviderSessionID: payload.SessionID,
		EventType:         payload.EventType,
		Payload:           raw,
		SignatureValid:    signatureValid,
	}
	duplicate, err := r.store.RecordWebhookEvent(event)
	if err != nil {
		return fmt.Errorf("recording webhook event: %w", err)
	}
	if duplicate {
		r.log.Debug("duplicate webhook delivery", zap.String("eventId", payload.EventID))
		// Reapply anyway: the upserts below make redelivery a no-op, and a
		// delivery that previously failed mid-way gets a second chance.
	}

	session, err := r.store.FindByProviderSessionID(payload.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		r.store.MarkWebhookEventProcessed(event, "unknown provider session", now)
		return ErrUnknownProviderSession
	}
	if err != nil {
		return err
	}

	status := deriveStatus(&ProviderStatus{
		SessionID:  payload.SessionID,
		Overall:    payload.Status,
		Checks:     payload.Checks,
		Confidence: payload.Confidence,
		RiskScore:  payload.RiskScore,
		AMLStatus:  payload.AMLStatus,
	})

	var result *models.VerificationResult
	if status != models.SessionStatusPending {
		result = &models.VerificationResult{
			SessionInternalID: session.InternalID,
			Verified:          status == models.SessionStatusVerified,
			Confidence:        payload.Confidence,
			RiskScore:         payload.RiskScore,
			AMLStatus:         payload.AMLStatus,
			RawPayload:        raw,
			VerifiedAt:        now,
		}
	}

	if err := r.apply(session, status, result); err != nil {
		r.store.MarkWebhookEventProcessed(event, err.Error(), now)
		return err
	}
	r.store.MarkWebhookEventProcessed(event, "", now)
	return nil
}

// ReconcilePoll is the poll entry point: given our internal id, it reads the
// provider's current view and converges the stored state with it. For demo
// sessions and already-terminal sessions it answers from the store without
// touching the provider.
func (r *Reconciler) ReconcilePoll(ctx context.Context, internalID string) (string, error) {
	session, err := r.store.FindByInternalID(internalID)
	if err != nil {
		return "", err
	}

	now := r.clock.Now()
	if session.IsTerminal() {
		return session.Status, nil
	}
	if session.EffectiveStatus(now) == models.SessionStatusExpired {
		if err := r.apply(session, models.SessionStatusExpired, nil); err != nil {
			return "", err
		}
		return models.SessionStatusExpired, nil
	}
	if session.IsDemo {
		// Demo sessions resolve client-side; there is no provider to ask.
		return session.Status, nil
	}

	ps, err := r.provider.GetSessionStatus(ctx, session.ProviderSessionID)
	if err != nil {
		return "", fmt.Errorf("provider status check: %w", err)
	}

	status := deriveStatus(ps)
	var result *models.VerificationResult
	if status != models.SessionStatusPending {
		result = &models.VerificationResult{
			SessionInternalID: session.InternalID,
			Verified:          status == models.SessionStatusVerified,
			Confidence:        ps.Confidence,
			RiskScore:         ps.RiskScore,
			AMLStatus:         ps.AMLStatus,
			RawPayload:        datatypes.JSON(ps.Raw),
			VerifiedAt:        now,
		}
	}
	if err := r.apply(session, status, result); err != nil {
		return "", err
	}
	if status == models.SessionStatusPending {
		return models.SessionStatusPending, nil
	}
	// Reload: if a webhook won the race the stored status is authoritative
	// and identical by convergence.
	updated, err := r.store.FindByInternalID(internalID)
	if err != nil {
		return "", err
	}
	return updated.Status, nil
}

// ApplyDemoCompletion writes the scripted demo outcome through the same
// reconciliation path as real sessions, keeping a single code path.
func (r *Reconciler) ApplyDemoCompletion(ctx context.Context, internalID string, verified bool) (*StatusEvent, error) {
	session, err := r.store.FindByInternalID(internalID)
	if err != nil {
		return nil, err
	}
	if !session.IsDemo {
		return nil, fmt.Errorf("session %s is not a demo session", internalID)
	}

	status := models.SessionStatusRejected
	confidence := 0.0
	if verified {
		status = models.SessionStatusVerified
		confidence = 0.95
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"source":   "demo",
		"verified": verified,
	})
	result := &models.VerificationResult{
		SessionInternalID: session.InternalID,
		Verified:          verified,
		Confidence:        confidence,
		RiskScore:         0.1,
		AMLStatus:         AMLClear,
		RawPayload:        raw,
		VerifiedAt:        r.clock.Now(),
	}
	if err := r.apply(session, status, result); err != nil {
		return nil, err
	}
	// Report what the store holds: if a concurrent writer resolved the session
	// first, apply was a no-op and the stored status is the truth the opener
	// window must see.
	stored, err := r.store.FindByInternalID(internalID)
	if err != nil {
		return nil, err
	}
	return &StatusEvent{
		Type:      EventVerificationComplete,
		SessionID: stored.InternalID,
		OwnerID:   stored.OwnerID,
		Status:    stored.Status,
		Verified:  stored.Status == models.SessionStatusVerified,
	}, nil
}

// ApplyDecision resolves a manual-review session. Only sessions still pending
// can be decided; monotonicity holds for reviewers too.
func (r *Reconciler) ApplyDecision(ctx context.Context, internalID string, approve bool, reviewerID uint, notes string) (string, error) {
	session, err := r.store.FindByInternalID(internalID)
	if err != nil {
		return "", err
	}
	if session.IsTerminal() {
		return "", fmt.Errorf("session %s already resolved as %s", internalID, session.Status)
	}

	status := models.SessionStatusRejected
	if approve {
		status = models.SessionStatusVerified
	}

	prior, err := r.store.FindResult(internalID)
	if err != nil {
		return "", err
	}
	confidence := 1.0
	riskScore := 0.0
	amlStatus := AMLClear
	if prior != nil {
		confidence = prior.Confidence
		riskScore = prior.RiskScore
		amlStatus = prior.AMLStatus
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"source":      "manual_review",
		"reviewer_id": reviewerID,
		"approved":    approve,
		"notes":       notes,
	})
	result := &models.VerificationResult{
		SessionInternalID: internalID,
		Verified:          approve,
		Confidence:        confidence,
		RiskScore:         riskScore,
		AMLStatus:         amlStatus,
		RawPayload:        raw,
		VerifiedAt:        r.clock.Now(),
	}
	if err := r.apply(session, status, result); err != nil {
		return "", err
	}
	return status, nil
}

// apply converges stored state on the derived status. Every write is a keyed
// upsert or guarded update, so concurrent writers racing through here for the
// same session produce one terminal record and the later writer is a no-op.
func (r *Reconciler) apply(session *models.VerificationSession, status string, result *models.VerificationResult) error {
	now := r.clock.Now()

	if status == models.SessionStatusPending {
		// Non-terminal: the session row keeps its pending status; the derived
		// owner status is surfaced so dashboards can show "in review".
		kyc := &models.UserKycStatus{
			OwnerID:           session.OwnerID,
			Status:            models.SessionStatusPending,
			SessionInternalID: session.InternalID,
		}
		if err := r.store.UpsertKycStatus(kyc, now); err != nil {
			return fmt.Errorf("upserting kyc status: %w", err)
		}
		r.broker.Publish(StatusEvent{
			Type:      EventVerificationComplete,
			SessionID: session.InternalID,
			OwnerID:   session.OwnerID,
			Status:    models.SessionStatusPending,
		})
		return nil
	}

	transitioned, err := r.store.TransitionSession(session.InternalID, status)
	if err != nil {
		return fmt.Errorf("transitioning session: %w", err)
	}
	if !transitioned {
		// A concurrent writer already resolved this session; converged.
		r.log.Debug("session already terminal, reconciliation no-op",
			zap.String("internalId", session.InternalID),
			zap.String("status", status))
		return nil
	}

	if result != nil {
		if err := r.store.UpsertResult(result); err != nil {
			return fmt.Errorf("upserting verification result: %w", err)
		}
	}

	kyc := &models.UserKycStatus{
		OwnerID:           session.OwnerID,
		Status:            status,
		SessionInternalID: session.InternalID,
	}
	if status == models.SessionStatusVerified {
		validUntil := now.Add(KycValidity)
		kyc.ValidUntil = &validUntil
	}
	if err := r.store.UpsertKycStatus(kyc, now); err != nil {
		return fmt.Errorf("upserting kyc status: %w", err)
	}

	r.log.Info("verification session resolved",
		zap.String("internalId", session.InternalID),
		zap.String("ownerId", session.OwnerID),
		zap.String("status", status),
		zap.Bool("isDemo", session.IsDemo))

	r.broker.Publish(StatusEvent{
		Type:      EventVerificationComplete,
		SessionID: session.InternalID,
		OwnerID:   session.OwnerID,
		Status:    status,
		Verified:  status == models.SessionStatusVerified,
	})
	if r.notifier != nil {
		r.notifier.NotifyKycResult(session.OwnerID, status)
	}
	return nil
}

// IsVerificationCompleted is the read-only gate route protection uses.
func (r *Reconciler) IsVerificationCompleted(ownerID string) (bool, error) {
	kyc, err := r.store.GetKycStatus(ownerID)
	if err != nil {
		return false, err
	}
	if kyc == nil {
		return false, nil
	}
	return kyc.IsVerified(r.clock.Now()), nil
}
