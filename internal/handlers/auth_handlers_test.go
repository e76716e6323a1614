package handlers

import (
	"net/http"
	"testing"

	"github.com/terrabase/backend/internal/models"
)

func TestRegister(t *testing.T) {
	t.Run("with phone creates a verification device", func(t *testing.T) {
		env := setupTestEnv(t)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
			"username": "anna",
			"phone":    "+491772345678",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusCreated)

		var user models.User
		if err := env.db.First(&user, "username = ?", "anna").Error; err != nil {
			t.Fatalf("expected user to exist: %v", err)
		}
		if user.IsActive {
			t.Fatal("new accounts must start inactive")
		}
		if user.Phone != nil {
			t.Fatal("phone must stay pending until verified")
		}

		var device models.VerificationDevice
		if err := env.db.First(&device, "user_id = ?", user.ID).Error; err != nil {
			t.Fatalf("expected a verification device: %v", err)
		}
		if device.Label != models.DeviceLabelPhoneVerify {
			t.Fatalf("expected phone_verify device, got %s", device.Label)
		}
		if device.LastT != models.LastTSentinel {
			t.Fatalf("fresh device must carry the sentinel cursor, got %d", device.LastT)
		}
		if device.UnverifiedPhone != "+491772345678" {
			t.Fatalf("unexpected pending phone %q", device.UnverifiedPhone)
		}

		if env.notifier.smsCount() != 1 {
			t.Fatalf("expected exactly one SMS, got %d", env.notifier.smsCount())
		}
	})

	t.Run("rejects empty contact details", func(t *testing.T) {
		env := setupTestEnv(t)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
			"username": "bernd",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusBadRequest)
		assertEnvelopeError(t, decodeJSONMap(t, resp), "you cannot leave both phone and email empty")
	})

	t.Run("rejects reserved usernames", func(t *testing.T) {
		env := setupTestEnv(t)

		for _, username := range []string{"add", "new"} {
			resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
				"username": username,
				"email":    "someone@example.com",
				"password": "correct-horse-battery",
			}, nil)
			assertStatus(t, resp, http.StatusBadRequest)
		}
	})

	t.Run("rejects passwords containing the username", func(t *testing.T) {
		env := setupTestEnv(t)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
			"username": "carola",
			"email":    "carola@example.com",
			"password": "xyzcarola12345",
		}, nil)
		assertStatus(t, resp, http.StatusBadRequest)
		assertEnvelopeError(t, decodeJSONMap(t, resp), "the password is too similar to the username")
	})

	t.Run("rejects malformed phone numbers", func(t *testing.T) {
		env := setupTestEnv(t)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
			"username": "dirk",
			"phone":    "0177-234-5678",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("rejects duplicate usernames", func(t *testing.T) {
		env := setupTestEnv(t)
		createTestUser(t, env.db, "erika", "correct-horse-battery", false)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
			"username": "erika",
			"email":    "other@example.com",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusConflict)
	})

	t.Run("rejects phones already pending on another account", func(t *testing.T) {
		env := setupTestEnv(t)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
			"username": "frieda",
			"phone":    "+491772000001",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusCreated)

		resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
			"username": "gustav",
			"phone":    "+491772000001",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusConflict)
	})
}

func TestLogin(t *testing.T) {
	t.Run("succeeds for a verified account", func(t *testing.T) {
		env := setupTestEnv(t)
		createTestUser(t, env.db, "hanna", "correct-horse-battery", false)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
			"username": "hanna",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusOK)

		body := decodeJSONMap(t, resp)
		data, _ := body["data"].(map[string]any)
		token, _ := data["token"].(string)
		if token == "" {
			t.Fatal("expected a token in the login response")
		}

		meResp := performJSONRequest(t, env.app, http.MethodGet, "/api/auth/me", nil, authHeaders(token))
		assertStatus(t, meResp, http.StatusOK)
	})

	t.Run("rejects unverified accounts", func(t *testing.T) {
		env := setupTestEnv(t)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
			"username": "ingrid",
			"phone":    "+491772000002",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusCreated)

		resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
			"username": "ingrid",
			"password": "correct-horse-battery",
		}, nil)
		assertStatus(t, resp, http.StatusUnauthorized)
		assertEnvelopeError(t, decodeJSONMap(t, resp), "the account is not verified")
	})

	t.Run("rejects wrong credentials", func(t *testing.T) {
		env := setupTestEnv(t)
		createTestUser(t, env.db, "jakob", "correct-horse-battery", false)

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
			"username": "jakob",
			"password": "not-the-password",
		}, nil)
		assertStatus(t, resp, http.StatusUnauthorized)
		assertEnvelopeError(t, decodeJSONMap(t, resp), "invalid credentials")
	})
}

func TestUpdateMe(t *testing.T) {
	t.Run("changing the phone starts a fresh verification", func(t *testing.T) {
		env := setupTestEnv(t)
		user, token := createTestUser(t, env.db, "klara", "correct-horse-battery", false)

		resp := performJSONRequest(t, env.app, http.MethodPut, "/api/auth/me", map[string]any{
			"phone": "+491772000003",
		}, authHeaders(token))
		assertStatus(t, resp, http.StatusOK)

		var device models.VerificationDevice
		if err := env.db.First(&device, "user_id = ?", user.ID).Error; err != nil {
			t.Fatalf("expected a verification device: %v", err)
		}
		if device.UnverifiedPhone != "+491772000003" {
			t.Fatalf("unexpected pending phone %q", device.UnverifiedPhone)
		}

		var reloaded models.User
		if err := env.db.First(&reloaded, "id = ?", user.ID).Error; err != nil {
			t.Fatalf("failed reloading user: %v", err)
		}
		if reloaded.Phone != nil {
			t.Fatal("phone must not be trusted before verification")
		}
	})

	t.Run("removing the email warns the old address", func(t *testing.T) {
		env := setupTestEnv(t)
		phone := "+491772000004"
		user, token := createTestUser(t, env.db, "lena", "correct-horse-battery", false)
		env.db.Model(&models.User{}).Where("id = ?", user.ID).
			Updates(map[string]any{"phone": phone, "phone_verified": true})

		resp := performJSONRequest(t, env.app, http.MethodPut, "/api/auth/me", map[string]any{
			"email": "",
		}, authHeaders(token))
		assertStatus(t, resp, http.StatusOK)

		var reloaded models.User
		if err := env.db.First(&reloaded, "id = ?", user.ID).Error; err != nil {
			t.Fatalf("failed reloading user: %v", err)
		}
		if reloaded.Email != nil {
			t.Fatal("email should have been removed")
		}
		if reloaded.EmailVerified {
			t.Fatal("removed email cannot stay verified")
		}

		env.notifier.mu.Lock()
		defer env.notifier.mu.Unlock()
		if len(env.notifier.emails) == 0 {
			t.Fatal("expected a notification to the removed address")
		}
	})

	t.Run("cannot drop the last contact channel", func(t *testing.T) {
		env := setupTestEnv(t)
		_, token := createTestUser(t, env.db, "moritz", "correct-horse-battery", false)

		resp := performJSONRequest(t, env.app, http.MethodPut, "/api/auth/me", map[string]any{
			"email": "",
		}, authHeaders(token))
		assertStatus(t, resp, http.StatusBadRequest)
		assertEnvelopeError(t, decodeJSONMap(t, resp), "you cannot leave both phone and email empty")
	})
}

func TestChangePassword(t *testing.T) {
	t.Run("rotates the password and notifies", func(t *testing.T) {
		env := setupTestEnv(t)
		_, token := createTestUser(t, env.db, "nora", "correct-horse-battery", false)

		resp := performJSONRequest(t, env.app, http.MethodPut, "/api/auth/password", map[string]any{
			"old_password": "correct-horse-battery",
			"new_password": "staple-gun-sunrise",
		}, authHeaders(token))
		assertStatus(t, resp, http.StatusOK)

		resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
			"username": "nora",
			"password": "staple-gun-sunrise",
		}, nil)
		assertStatus(t, resp, http.StatusOK)

		env.notifier.mu.Lock()
		defer env.notifier.mu.Unlock()
		if len(env.notifier.emails) == 0 {
			t.Fatal("expected a password-change notification")
		}
	})

	t.Run("rejects a wrong old password", func(t *testing.T) {
		env := setupTestEnv(t)
		_, token := createTestUser(t, env.db, "otto", "correct-horse-battery", false)

		resp := performJSONRequest(t, env.app, http.MethodPut, "/api/auth/password", map[string]any{
			"old_password": "wrong",
			"new_password": "staple-gun-sunrise",
		}, authHeaders(token))
		assertStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("enforces the password policy", func(t *testing.T) {
		env := setupTestEnv(t)
		_, token := createTestUser(t, env.db, "paula", "correct-horse-battery", false)

		resp := performJSONRequest(t, env.app, http.MethodPut, "/api/auth/password", map[string]any{
			"old_password": "correct-horse-battery",
			"new_password": "short",
		}, authHeaders(token))
		assertStatus(t, resp, http.StatusBadRequest)
	})
}
