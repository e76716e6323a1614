package handlers

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/terrabase/backend/internal/middleware"
	"github.com/terrabase/backend/internal/models"
	"github.com/terrabase/backend/internal/services"
	"github.com/terrabase/backend/pkg/logger"
	"github.com/terrabase/backend/pkg/timetoken"
	"github.com/terrabase/backend/pkg/utils"
	"gorm.io/gorm"
)

// testClock lets tests pin and advance the verification engine's time.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2017, 6, 17, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingNotifier captures outbound messages so tests can read the tokens
// that would have gone over SMS or email.
type recordingNotifier struct {
	mu     sync.Mutex
	sms    []sentMessage
	emails []sentMessage
}

type sentMessage struct {
	To      string
	Subject string
	Body    string
}

func (n *recordingNotifier) SendSMS(_ context.Context, to, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sms = append(n.sms, sentMessage{To: to, Body: body})
	return nil
}

func (n *recordingNotifier) SendEmail(_ context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, sentMessage{To: to, Subject: subject, Body: body})
	return nil
}

func (n *recordingNotifier) lastSMS(t *testing.T) sentMessage {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sms) == 0 {
		t.Fatal("expected at least one SMS to have been sent")
	}
	return n.sms[len(n.sms)-1]
}

func (n *recordingNotifier) smsCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sms)
}

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	clock    *testClock
	engine   *timetoken.Engine
	notifier *recordingNotifier
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
		utils.ConfigureEncryption("test-encryption-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.VerificationDevice{},
		&models.Organization{},
		&models.OrganizationRole{},
		&models.Project{},
		&models.ProjectRole{},
		&models.AuditLog{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	clock := newTestClock()
	engine := timetoken.New(30, 6, clock.Now)
	notifier := &recordingNotifier{}

	auditService := services.NewAuditService(db)
	accessService := services.NewAccessService(db)
	verificationService := services.NewVerificationService(db, engine, notifier)

	authHandler := NewAuthHandler(db, verificationService, notifier, auditService)
	verificationHandler := NewVerificationHandler(db, verificationService, notifier, auditService)
	organizationsHandler := NewOrganizationsHandler(db, accessService, auditService)
	projectsHandler := NewProjectsHandler(db, accessService, auditService)
	usersHandler := NewUsersHandler(db, auditService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 10 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS("http://localhost:3000"))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

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

	return &testEnv{app: app, db: db, clock: clock, engine: engine, notifier: notifier}
}

// createTestUser inserts a verified, active user and returns it with a valid
// auth token.
func createTestUser(t *testing.T, db *gorm.DB, username, password string, superuser bool) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	email := username + "@example.com"
	user := &models.User{
		Username:      username,
		Email:         &email,
		PasswordHash:  hash,
		FullName:      "Test User",
		EmailVerified: true,
		IsActive:      true,
		IsSuperuser:   superuser,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user.ID, user.Username, user.IsSuperuser)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

// deviceToken derives the token the device would currently accept, straight
// from its stored secret.
func deviceToken(t *testing.T, env *testEnv, userID interface{}, label models.DeviceLabel) string {
	t.Helper()

	var device models.VerificationDevice
	if err := env.db.First(&device, "user_id = ? AND label = ?", userID, label).Error; err != nil {
		t.Fatalf("failed loading verification device: %v", err)
	}

	token, err := env.engine.GenerateChallenge(utils.DecryptOrPlaintext(device.SecretKey))
	if err != nil {
		t.Fatalf("failed deriving token: %v", err)
	}
	return token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeCode(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if got, _ := body["code"].(string); got != expected {
		t.Fatalf("expected error code %q, got %q", expected, got)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}
