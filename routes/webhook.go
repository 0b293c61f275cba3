package routes

import (
	"encoding/json"
	"errors"
	"io"

	"iwealthx-onboarding-server/services"
	"iwealthx-onboarding-server/utils"

	"github.com/kataras/iris/v12"
	"go.uber.org/zap"
)

// WebhookHandler receives the provider's asynchronous callbacks.
type WebhookHandler struct {
	reconciler *services.Reconciler
	verifier   *services.WebhookVerifier
	log        *zap.Logger
}

func NewWebhookHandler(reconciler *services.Reconciler, verifier *services.WebhookVerifier, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, verifier: verifier, log: log}
}

// Receive reconciles a webhook delivery. Unmatched sessions are a
// data-integrity error on our side but are still acknowledged with a 2xx so
// the provider does not retry-storm us; only bad signatures and unreadable
// bodies are refused.
func (h *WebhookHandler) Receive(ctx iris.Context) {
	body, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		utils.JSONError(ctx, iris.StatusBadRequest, "unreadable_body", "could not read request body")
		return
	}

	if err := h.verifier.Verify(ctx.GetHeader("X-Kyc-Signature"), body); err != nil {
		h.log.Warn("webhook signature rejected", zap.Error(err))
		utils.JSONError(ctx, iris.StatusUnauthorized, "bad_signature", "signature verification failed")
		return
	}

	var payload services.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		utils.JSONError(ctx, iris.StatusBadRequest, "invalid_payload", "malformed webhook payload")
		return
	}

	err = h.reconciler.ApplyWebhook(ctx.Request().Context(), payload, body, h.verifier.Enabled())
	if errors.Is(err, services.ErrUnknownProviderSession) {
		h.log.Error("webhook for unknown provider session",
			zap.String("providerSessionId", payload.SessionID),
			zap.String("eventId", payload.EventID))
		ctx.JSON(iris.Map{"received": true})
		return
	}
	if err != nil {
		h.log.Error("webhook reconciliation failed",
			zap.String("providerSessionId", payload.SessionID),
			zap.Error(err))
		// Let the provider retry transient failures.
		utils.JSONError(ctx, iris.StatusInternalServerError, "reconciliation_failed", "temporary failure")
		return
	}

	ctx.JSON(iris.Map{"received": true})
}
