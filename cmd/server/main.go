package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/terrabase/backend/internal/config"
	"github.com/terrabase/backend/internal/database"
	"github.com/terrabase/backend/internal/handlers"
	"github.com/terrabase/backend/internal/middleware"
	"github.com/terrabase/backend/internal/services"
	"github.com/terrabase/backend/internal/storage"
	"github.com/terrabase/backend/pkg/logger"
	"github.com/terrabase/backend/pkg/timetoken"
	"github.com/terrabase/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	storageClient, err := storage.NewMinIOClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("minio initialization failed: %v", err)
	}
	if err := storageClient.EnsureBucket(context.Background()); err != nil {
		log.Fatalf("failed ensuring minio bucket: %v", err)
	}

	engine := timetoken.New(cfg.TOTP.TokenValiditySeconds, cfg.TOTP.Digits, nil)
	notifier := services.NewLogNotifier()

	auditService := services.NewAuditService(db)
	accessService := services.NewAccessService(db)
	verificationService := services.NewVerificationService(db, engine, notifier)

	authHandler := handlers.NewAuthHandler(db, verificationService, notifier, auditService)
	verificationHandler := handlers.NewVerificationHandler(db, verificationService, notifier, auditService)
	organizationsHandler := handlers.NewOrganizationsHandler(db, accessService, auditService)
	projectsHandler := handlers.NewProjectsHandler(db, accessService, auditService)
	usersHandler := handlers.NewUsersHandler(db, auditService)
	avatarsHandler := handlers.NewAvatarsHandler(db, storageClient, auditService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 10 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.FrontendURL))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/me", authMiddleware.RequireAuth, authHandler.UpdateMe)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)
	authRoutes.Post("/verify-phone", verificationHandler.VerifyPhone)
	authRoutes.Post("/resend-token", verificationHandler.ResendToken)
	authRoutes.Post("/password-reset", verificationHandler.RequestPasswordReset)
	authRoutes.Post("/password-reset/confirm", verificationHandler.ConfirmPasswordReset)
	authRoutes.Post("/confirm-email", verificationHandler.ConfirmEmail)
	authRoutes.Post("/avatar", authMiddleware.RequireAuth, avatarsHandler.Upload)
	authRoutes.Delete("/avatar", authMiddleware.RequireAuth, avatarsHandler.Delete)

	userRoutes := api.Group("/users", authMiddleware.RequireAuth, middleware.SuperuserOnly)
	userRoutes.Get("/", usersHandler.List)
	userRoutes.Get("/:userID", usersHandler.Get)
	userRoutes.Put("/:userID", usersHandler.Update)

	api.Get("/projects", authMiddleware.OptionalAuth, projectsHandler.ListAll)

	orgRoutes := api.Group("/organizations")
	orgRoutes.Get("/", authMiddleware.OptionalAuth, organizationsHandler.List)
	orgRoutes.Post("/", authMiddleware.RequireAuth, organizationsHandler.Create)
	orgRoutes.Get("/:slug", authMiddleware.OptionalAuth, organizationsHandler.Get)
	orgRoutes.Put("/:slug", authMiddleware.RequireAuth, organizationsHandler.Update)
	orgRoutes.Delete("/:slug", authMiddleware.RequireAuth, organizationsHandler.Archive)
	orgRoutes.Get("/:slug/members", authMiddleware.RequireAuth, organizationsHandler.ListMembers)
	orgRoutes.Post("/:slug/members", authMiddleware.RequireAuth, organizationsHandler.AddMember)
	orgRoutes.Put("/:slug/members/:userID", authMiddleware.RequireAuth, organizationsHandler.UpdateMember)
	orgRoutes.Delete("/:slug/members/:userID", authMiddleware.RequireAuth, organizationsHandler.RemoveMember)

	orgRoutes.Get("/:slug/projects", authMiddleware.OptionalAuth, projectsHandler.List)
	orgRoutes.Post("/:slug/projects", authMiddleware.RequireAuth, projectsHandler.Create)
	orgRoutes.Get("/:slug/projects/:projectSlug", authMiddleware.OptionalAuth, projectsHandler.Get)
	orgRoutes.Put("/:slug/projects/:projectSlug", authMiddleware.RequireAuth, projectsHandler.Update)
	orgRoutes.Get("/:slug/projects/:projectSlug/members", authMiddleware.RequireAuth, projectsHandler.ListMembers)
	orgRoutes.Post("/:slug/projects/:projectSlug/members", authMiddleware.RequireAuth, projectsHandler.AddMember)
	orgRoutes.Put("/:slug/projects/:projectSlug/members/:userID", authMiddleware.RequireAuth, projectsHandler.UpdateMember)
	orgRoutes.Delete("/:slug/projects/:projectSlug/members/:userID", authMiddleware.RequireAuth, projectsHandler.RemoveMember)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Println("graceful shutdown timed out")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
