package routes

import (
	"net/http"

	"iwealthx-onboarding-server/models"
	"iwealthx-onboarding-server/storage"
	"iwealthx-onboarding-server/utils"

	"github.com/kataras/iris/v12"
	jsonWT "github.com/kataras/iris/v12/middleware/jwt"
)

// POST /api/feedback — investor inquiry / contact form. Works for anonymous
// visitors; an authenticated caller's submission is linked to their account.
func CreateFeedback(ctx iris.Context) {
	var input struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Subject  string `json:"subject"`
		Message  string `json:"message"`
		Category string `json:"category"`
		Source   string `json:"source"`
	}
	if err := ctx.ReadJSON(&input); err != nil || input.Message == "" {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_payload", "message is required")
		return
	}

	var userID uint
	if token := jsonWT.Get(ctx); token != nil {
		if claims, ok := token.(*utils.AccessToken); ok {
			userID = claims.ID
		}
	}

	fb := models.Feedback{
		UserID:   userID,
		Name:     input.Name,
		Email:    input.Email,
		Subject:  input.Subject,
		Message:  input.Message,
		Category: input.Category,
		Source:   input.Source,
	}
	if err := storage.DB.Create(&fb).Error; err != nil {
		utils.JSONError(ctx, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	ctx.JSON(iris.Map{"data": fb})
}
