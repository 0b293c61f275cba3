package routes

import (
	"errors"
	"net/http"
	"strings"

	"iwealthx-onboarding-server/models"
	"iwealthx-onboarding-server/services"
	"iwealthx-onboarding-server/storage"
	"iwealthx-onboarding-server/utils"

	"github.com/kataras/iris/v12"
	"go.uber.org/zap"
)

// AdminKycHandler is the compliance review surface: listing sessions, drilling
// into one, and deciding the ones the confidence gate parked for review.
type AdminKycHandler struct {
	store      *services.SessionStore
	reconciler *services.Reconciler
	log        *zap.Logger
}

func NewAdminKycHandler(store *services.SessionStore, reconciler *services.Reconciler, log *zap.Logger) *AdminKycHandler {
	return &AdminKycHandler{store: store, reconciler: reconciler, log: log}
}

// ListSessions - GET /admin/kyc/sessions?status=&owner=&demo=&page=&per_page=
func (h *AdminKycHandler) ListSessions(ctx iris.Context) {
	page := ctx.URLParamIntDefault("page", 1)
	perPage := ctx.URLParamIntDefault("per_page", 25)

	filter := services.SessionFilter{
		Status:  strings.TrimSpace(ctx.URLParamDefault("status", "")),
		OwnerID: strings.TrimSpace(ctx.URLParamDefault("owner", "")),
		Page:    page,
		PerPage: perPage,
	}
	if demoParam := ctx.URLParamDefault("demo", ""); demoParam != "" {
		isDemo := demoParam == "true" || demoParam == "1"
		filter.IsDemo = &isDemo
	}

	sessions, total, err := h.store.ListSessions(filter)
	if err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	utils.JSONPage(ctx, sessions, page, perPage, total)
}

// GetSession - GET /admin/kyc/sessions/:id — session + result + derived owner status
func (h *AdminKycHandler) GetSession(ctx iris.Context) {
	internalID := ctx.Params().Get("id")

	session, err := h.store.FindByInternalID(internalID)
	if errors.Is(err, services.ErrSessionNotFound) {
		utils.JSONError(ctx, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	result, err := h.store.FindResult(internalID)
	if err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	kyc, _ := h.store.GetKycStatus(session.OwnerID)

	ctx.JSON(iris.Map{
		"data": iris.Map{
			"session":     session,
			"result":      result,
			"ownerStatus": kyc,
		},
		"meta":  iris.Map{},
		"links": iris.Map{},
	})
}

// Decide - POST /admin/kyc/sessions/:id/decision { approve, notes }
func (h *AdminKycHandler) Decide(ctx iris.Context) {
	internalID := ctx.Params().Get("id")

	var body struct {
		Approve *bool  `json:"approve"`
		Notes   string `json:"notes"`
	}
	if err := ctx.ReadJSON(&body); err != nil || body.Approve == nil {
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_payload", "approve (boolean) is required")
		return
	}

	reviewerID := ctx.Values().Get("userID").(uint)

	before, err := h.store.FindByInternalID(internalID)
	if errors.Is(err, services.ErrSessionNotFound) {
		utils.JSONError(ctx, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	status, err := h.reconciler.ApplyDecision(ctx.Request().Context(), internalID, *body.Approve, reviewerID, body.Notes)
	if err != nil {
		utils.JSONError(ctx, http.StatusConflict, "decision_rejected", err.Error())
		return
	}

	utils.Audit(ctx, "kyc_manual_decision", "verification_session", internalID,
		iris.Map{"status": before.Status},
		iris.Map{"status": status, "notes": body.Notes})

	ctx.JSON(iris.Map{"data": iris.Map{"internalId": internalID, "status": status}})
}

// AdminListUsers - GET /admin/users?role=&q=&page=&per_page=
func AdminListUsers(ctx iris.Context) {
	page := ctx.URLParamIntDefault("page", 1)
	perPage := ctx.URLParamIntDefault("per_page", 25)
	if perPage <= 0 || perPage > 100 {
		perPage = 25
	}

	var users []models.User
	q := strings.TrimSpace(ctx.URLParamDefault("q", ""))
	role := strings.TrimSpace(ctx.URLParamDefault("role", ""))

	query := storage.DB.Model(&models.User{})
	if role != "" {
		query = query.Where("role = ?", role)
	}
	if q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where("lower(first_name) LIKE ? OR lower(last_name) LIKE ? OR lower(email) LIKE ?", like, like, like)
	}

	var total int64
	query.Count(&total)
	query = query.Offset((page - 1) * perPage).Limit(perPage)
	if err := query.Find(&users).Error; err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	utils.JSONPage(ctx, users, page, perPage, total)
}
