package main

import (
	"log"
	"os"

	"iwealthx-onboarding-server/routes"
	"iwealthx-onboarding-server/services"
	"iwealthx-onboarding-server/storage"
	"iwealthx-onboarding-server/utils"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

func main() {
	// Only load .env in development
	if os.Getenv("RENDER") == "" {
		godotenv.Load()
	}

	logger, logErr := utils.InitLogger()
	if logErr != nil {
		log.Panic("failed to initialize logger: " + logErr.Error())
	}
	defer logger.Sync()

	db := storage.InitializeDB()
	rdb := storage.InitializeRedis()

	// KYC services. Explicit construction instead of package singletons so
	// tests can substitute fakes.
	clock := clockwork.NewRealClock()
	store := services.NewSessionStore(db)
	provider := services.NewHTTPProviderFromEnv(logger)
	broker := services.NewStatusBroker()
	notifier := services.NewNotificationService(db, logger)
	reconciler := services.NewReconciler(store, provider, broker, notifier, clock, logger)
	creator := services.NewSessionCreator(store, provider, rdb,
		services.DefaultSessionConfig(os.Getenv("PUBLIC_BASE_URL")), clock, logger)
	demo := services.NewDemoFlow(store, reconciler, clock)

	verifier, verifierErr := services.NewWebhookVerifierFromEnv(logger)
	if verifierErr != nil {
		log.Panic("failed to configure webhook verifier: " + verifierErr.Error())
	}

	kycHandler := routes.NewKycHandler(creator, reconciler, demo, store, logger)
	webhookHandler := routes.NewWebhookHandler(reconciler, verifier, logger)
	adminKycHandler := routes.NewAdminKycHandler(store, reconciler, logger)

	app := iris.New()
	app.Validator = validator.New()

	// CORS configuration
	app.AllowMethods(iris.MethodOptions)
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", ctx.GetHeader("Origin"))
		ctx.Header("Vary", "Origin")
		ctx.Header("Access-Control-Allow-Credentials", "true")
		ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With")
		ctx.Header("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		if ctx.Method() == iris.MethodOptions {
			ctx.StatusCode(iris.StatusNoContent)
			return
		}
		ctx.Next()
	})

	app.Use(iris.Compression)

	// JWT Verifiers
	accessTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("ACCESS_TOKEN_SECRET")))
	accessTokenVerifier.WithDefaultBlocklist()
	accessTokenVerifierMiddleware := accessTokenVerifier.Verify(func() interface{} {
		return new(utils.AccessToken)
	})

	refreshTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("REFRESH_TOKEN_SECRET")))
	refreshTokenVerifier.WithDefaultBlocklist()
	refreshTokenVerifierMiddleware := refreshTokenVerifier.Verify(func() interface{} {
		return new(jwt.Claims)
	})

	refreshTokenVerifier.Extractors = append(refreshTokenVerifier.Extractors, func(ctx iris.Context) string {
		var tokenInput utils.RefreshTokenInput
		err := ctx.ReadJSON(&tokenInput)
		if err != nil {
			return ""
		}
		return tokenInput.RefreshToken
	})

	app.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"status": "ok"})
	})

	user := app.Party("/api/user")
	{
		user.Post("/register", routes.Register)
		user.Post("/login", routes.Login)
		user.Post("/refresh", refreshTokenVerifierMiddleware, utils.RefreshToken)
		user.Get("/me", accessTokenVerifierMiddleware, routes.GetCurrentUser)
	}

	kyc := app.Party("/api/kyc")
	{
		kyc.Post("/session", accessTokenVerifierMiddleware, utils.UserIDFromTokenMiddleware, kycHandler.CreateSession)
		kyc.Get("/session/{id:string}/status", accessTokenVerifierMiddleware, utils.UserIDFromTokenMiddleware, kycHandler.GetSessionStatus)
		kyc.Get("/status", accessTokenVerifierMiddleware, utils.UserIDFromTokenMiddleware, kycHandler.GetGate)
		kyc.Post("/webhook", webhookHandler.Receive)
		kyc.Get("/demo/{id:string}/progress", kycHandler.DemoProgress)
		kyc.Post("/demo/{id:string}/complete", accessTokenVerifierMiddleware, utils.UserIDFromTokenMiddleware, kycHandler.CompleteDemoSession)
	}

	admin := app.Party("/api/admin", accessTokenVerifierMiddleware, utils.AdminOnlyMiddleware)
	{
		admin.Get("/users", routes.AdminListUsers)
		admin.Get("/kyc/sessions", adminKycHandler.ListSessions)
		admin.Get("/kyc/sessions/{id:string}", adminKycHandler.GetSession)
		admin.Post("/kyc/sessions/{id:string}/decision", adminKycHandler.Decide)
	}

	app.Post("/api/feedback", routes.CreateFeedback)

	port := os.Getenv("PORT")
	if port == "" {
		port = "4000"
	}
	app.Listen(":" + port)
}
