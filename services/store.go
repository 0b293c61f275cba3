package services

import (
	"errors"
	"time"

	"iwealthx-onboarding-server/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSessionNotFound = errors.New("verification session not found")

// SessionStore persists verification sessions and their derived records. All
// mutation is by keyed upsert or guarded update so the concurrent writers
// (webhook, poll, demo) never need a lock.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) CreateSession(session *models.VerificationSession) error {
	return s.db.Create(session).Error
}

func (s *SessionStore) FindByInternalID(internalID string) (*models.VerificationSession, error) {
	var session models.VerificationSession
	err := s.db.Where("internal_id = ?", internalID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionStore) FindByProviderSessionID(providerSessionID string) (*models.VerificationSession, error) {
	var session models.VerificationSession
	err := s.db.Where("provider_session_id = ? AND provider_session_id <> ''", providerSessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionStore) LatestByOwner(ownerID string) (*models.VerificationSession, error) {
	var session models.VerificationSession
	err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC, id DESC").First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// TransitionSession moves a session out of pending. The WHERE clause is the
// monotonicity guard: a session that already left pending is never rewritten,
// so racing writers converge and redeliveries are no-ops. Returns whether
// this call performed the transition.
func (s *SessionStore) TransitionSession(internalID, newStatus string) (bool, error) {
	if newStatus == models.SessionStatusPending {
		return false, nil
	}
	res := s.db.Model(&models.VerificationSession{}).
		Where("internal_id = ? AND status = ?", internalID, models.SessionStatusPending).
		Update("status", newStatus)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpsertResult records the terminal outcome. Keyed on the session internal id
// with DO NOTHING: the result belongs to whichever writer reconciled first,
// and duplicate deliveries never produce duplicate rows.
func (s *SessionStore) UpsertResult(result *models.VerificationResult) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_internal_id"}},
		DoNothing: true,
	}).Create(result).Error
}

func (s *SessionStore) FindResult(internalID string) (*models.VerificationResult, error) {
	var result models.VerificationResult
	err := s.db.Where("session_internal_id = ?", internalID).First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpsertKycStatus writes the derived per-owner status, latest session wins.
// The DO UPDATE guard scopes no-downgrade to a single session: a late or
// duplicate writer for the session already on the row only gets through while
// the row is still pending or its validity window has lapsed, but a write
// carrying a different session id always lands, so an owner who retries after
// a terminal outcome is tracked by their newest session.
func (s *SessionStore) UpsertKycStatus(status *models.UserKycStatus, now time.Time) error {
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "session_internal_id", "valid_until", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL:  "user_kyc_statuses.session_internal_id <> excluded.session_internal_id OR user_kyc_statuses.status = ? OR (user_kyc_statuses.valid_until IS NOT NULL AND user_kyc_statuses.valid_until < ?)",
				Vars: []interface{}{models.SessionStatusPending, now},
			},
		}},
	}).Create(status).Error
}

func (s *SessionStore) GetKycStatus(ownerID string) (*models.UserKycStatus, error) {
	var status models.UserKycStatus
	err := s.db.Where("owner_id = ?", ownerID).First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// RecordWebhookEvent inserts a delivery row. A duplicate (provider, event id)
// pair inserts nothing and is reported as such.
func (s *SessionStore) RecordWebhookEvent(event *models.WebhookEvent) (duplicate bool, err error) {
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 0, nil
}

func (s *SessionStore) MarkWebhookEventProcessed(event *models.WebhookEvent, processingError string, now time.Time) {
	s.db.Model(&models.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		Updates(map[string]interface{}{"processed_at": now, "processing_error": processingError})
}

// SessionFilter narrows admin listings.
type SessionFilter struct {
	Status  string
	OwnerID string
	IsDemo  *bool
	Page    int
	PerPage int
}

func (s *SessionStore) ListSessions(filter SessionFilter) ([]models.VerificationSession, int64, error) {
	q := s.db.Model(&models.VerificationSession{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.IsDemo != nil {
		q = q.Where("is_demo = ?", *filter.IsDemo)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	var sessions []models.VerificationSession
	err := q.Order("created_at DESC").Offset((page - 1) * perPage).Limit(perPage).Find(&sessions).Error
	return sessions, total, err
}
