package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"iwealthx-onboarding-server/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const expoPushEndpoint = "https://exp.host/--/api/v2/push/send"

// NotificationService pushes KYC outcome notifications to the investor's
// devices. Delivery is best-effort; a failed push never blocks reconciliation.
type NotificationService struct {
	db     *gorm.DB
	client *http.Client
	log    *zap.Logger
}

func NewNotificationService(db *gorm.DB, log *zap.Logger) *NotificationService {
	return &NotificationService{
		db:     db,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// getUserPushTokens retrieves all push tokens for a user
func (ns *NotificationService) getUserPushTokens(userID uint) ([]string, error) {
	var user models.User
	if err := ns.db.First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("user not found: %v", err)
	}

	if user.AllowsNotifications == nil || !*user.AllowsNotifications || user.PushTokens == nil {
		return nil, fmt.Errorf("user has notifications disabled or no tokens")
	}

	var tokens []string
	if err := json.Unmarshal(user.PushTokens, &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push tokens: %v", err)
	}
	return tokens, nil
}

// NotifyKycResult tells the investor their verification outcome. Satisfies
// TerminalNotifier.
func (ns *NotificationService) NotifyKycResult(ownerID, status string) {
	userID, err := strconv.ParseUint(ownerID, 10, 32)
	if err != nil {
		// Demo principals have synthetic owner ids; nothing to notify.
		return
	}

	var title, body string
	switch status {
	case models.SessionStatusVerified:
		title = "Identity verified"
		body = "Your identity verification is complete. You can now invest."
	case models.SessionStatusRejected:
		title = "Verification unsuccessful"
		body = "We could not verify your identity. Please contact support."
	case models.SessionStatusFailed:
		title = "Verification error"
		body = "Something went wrong during verification. Please try again."
	case models.SessionStatusExpired:
		title = "Verification expired"
		body = "Your verification session expired. Please start again."
	default:
		return
	}

	tokens, err := ns.getUserPushTokens(uint(userID))
	if err != nil {
		ns.log.Debug("skipping kyc push", zap.String("ownerId", ownerID), zap.Error(err))
		return
	}

	for _, token := range tokens {
		if err := ns.sendPush(token, title, body, map[string]string{
			"type":   "kyc_result",
			"status": status,
		}); err != nil {
			ns.log.Warn("kyc push failed", zap.String("ownerId", ownerID), zap.Error(err))
		}
	}
}

func (ns *NotificationService) sendPush(token, title, body string, data map[string]string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"to":    token,
		"title": title,
		"body":  body,
		"data":  data,
		"sound": "default",
	})
	if err != nil {
		return err
	}

	res, err := ns.client.Post(expoPushEndpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("push endpoint returned %d", res.StatusCode)
	}
	return nil
}
