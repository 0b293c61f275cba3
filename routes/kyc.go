package routes

import (
	"errors"
	"strconv"

	"iwealthx-onboarding-server/services"
	"iwealthx-onboarding-server/utils"

	"github.com/kataras/iris/v12"
	"go.uber.org/zap"
)

// KycHandler exposes the verification session lifecycle over HTTP. It is
// constructed with its services so tests can wire fakes in.
type KycHandler struct {
	creator    *services.SessionCreator
	reconciler *services.Reconciler
	demo       *services.DemoFlow
	store      *services.SessionStore
	log        *zap.Logger
}

func NewKycHandler(creator *services.SessionCreator, reconciler *services.Reconciler, demo *services.DemoFlow, store *services.SessionStore, log *zap.Logger) *KycHandler {
	return &KycHandler{creator: creator, reconciler: reconciler, demo: demo, store: store, log: log}
}

type CreateKycSessionInput struct {
	FirstName string `json:"firstName" validate:"max=256"`
	LastName  string `json:"lastName" validate:"max=256"`
	Email     string `json:"email" validate:"omitempty,email"`
}

// CreateSession opens a verification session for the caller. Provider outages
// surface as a demo session, never as an error.
func (h *KycHandler) CreateSession(ctx iris.Context) {
	ownerID := ownerIDFromCtx(ctx)

	var input CreateKycSessionInput
	if ctx.GetContentLength() > 0 {
		if err := ctx.ReadJSON(&input); err != nil {
			utils.HandleValidationErrors(err, ctx)
			return
		}
	}

	session, err := h.creator.CreateSession(ctx.Request().Context(), ownerID, services.UserInfo{
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Email:     input.Email,
	})
	if err != nil {
		h.log.Error("session creation failed entirely", zap.String("ownerId", ownerID), zap.Error(err))
		utils.JSONError(ctx, iris.StatusInternalServerError, "session_creation_failed", "could not create a verification session")
		return
	}

	ctx.JSON(iris.Map{"data": session})
}

// GetSessionStatus is the authenticated poll path: it reconciles the caller's
// session against the provider and answers with the authoritative status.
func (h *KycHandler) GetSessionStatus(ctx iris.Context) {
	ownerID := ownerIDFromCtx(ctx)
	internalID := ctx.Params().Get("id")

	session, err := h.store.FindByInternalID(internalID)
	if errors.Is(err, services.ErrSessionNotFound) {
		utils.JSONError(ctx, iris.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	if session.OwnerID != ownerID {
		utils.JSONError(ctx, iris.StatusForbidden, "forbidden", "session does not belong to caller")
		return
	}

	status, err := h.reconciler.ReconcilePoll(ctx.Request().Context(), internalID)
	if err != nil {
		h.log.Warn("poll reconciliation failed", zap.String("internalId", internalID), zap.Error(err))
		utils.JSONError(ctx, iris.StatusBadGateway, "status_check_error", "could not determine verification status")
		return
	}

	ctx.JSON(iris.Map{"data": iris.Map{
		"internalId": internalID,
		"status":     status,
		"isDemo":     session.IsDemo,
	}})
}

// GetGate is the read-only route-protection check: is the caller currently
// KYC-verified.
func (h *KycHandler) GetGate(ctx iris.Context) {
	ownerID := ownerIDFromCtx(ctx)

	completed, err := h.reconciler.IsVerificationCompleted(ownerID)
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	ctx.JSON(iris.Map{"data": iris.Map{"verified": completed}})
}

// DemoProgress reports the scripted sub-check progression for a demo session.
// The demo window has no bearer token, so this is keyed by session id alone
// and exposes nothing beyond the scripted states.
func (h *KycHandler) DemoProgress(ctx iris.Context) {
	internalID := ctx.Params().Get("id")

	view, err := h.demo.Progress(ctx.Request().Context(), internalID)
	if errors.Is(err, services.ErrSessionNotFound) {
		utils.JSONError(ctx, iris.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		utils.JSONError(ctx, iris.StatusBadRequest, "invalid_session", err.Error())
		return
	}
	ctx.JSON(iris.Map{"data": view})
}

// CompleteDemoSession resolves the caller's demo session with the synthetic
// success and returns the typed completion event for the opener window.
func (h *KycHandler) CompleteDemoSession(ctx iris.Context) {
	ownerID := ownerIDFromCtx(ctx)
	internalID := ctx.Params().Get("id")

	event, err := h.demo.Complete(ctx.Request().Context(), internalID, ownerID)
	if errors.Is(err, services.ErrSessionNotFound) {
		utils.JSONError(ctx, iris.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		utils.JSONError(ctx, iris.StatusForbidden, "forbidden", err.Error())
		return
	}
	ctx.JSON(iris.Map{"data": event})
}

func ownerIDFromCtx(ctx iris.Context) string {
	userID := ctx.Values().Get("userID").(uint)
	return strconv.FormatUint(uint64(userID), 10)
}
